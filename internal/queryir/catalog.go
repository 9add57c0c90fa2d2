package queryir

import "github.com/roach88/vigil/internal/ir"

// ColumnType is the logical type of a chain column.
type ColumnType int

const (
	// TypeInt is a 64-bit integer (block numbers, indexes, timestamps).
	TypeInt ColumnType = iota
	// TypeHex is lowercase 0x-prefixed hex text (hashes, addresses,
	// topics). Comparisons against literals are case-insensitive.
	TypeHex
	// TypeBytes is raw bytes (event data).
	TypeBytes
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeHex:
		return "hex"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Kind returns the result kind for values of this type.
func (t ColumnType) Kind() ir.Kind {
	switch t {
	case TypeInt:
		return ir.KindInt
	case TypeBytes:
		return ir.KindBytes
	default:
		return ir.KindString
	}
}

// ColumnDef describes one column of a chain table.
type ColumnDef struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Table describes a chain table exposed to guests.
type Table struct {
	Name    string
	Columns []ColumnDef

	// BlockColumn is the column the window applies to.
	BlockColumn string

	// AddressColumns are matched against the instance address. For more
	// than one column, a row matches if any column matches.
	AddressColumns []string

	// OrderKey is the unique, stable ordering of rows.
	OrderKey []string
}

// Column looks up a column by name.
func (t *Table) Column(name string) (*ColumnDef, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Relation is a permitted join condition between two tables.
type Relation struct {
	LeftTable   string
	LeftColumn  string
	RightTable  string
	RightColumn string
}

// Matches reports whether a join of (lt.lc = rt.rc) follows this relation
// in either orientation.
func (r Relation) Matches(lt, lc, rt, rc string) bool {
	return (r.LeftTable == lt && r.LeftColumn == lc && r.RightTable == rt && r.RightColumn == rc) ||
		(r.LeftTable == rt && r.LeftColumn == rc && r.RightTable == lt && r.RightColumn == lc)
}

// Catalog is the set of tables and relations a query may use.
type Catalog struct {
	Tables    map[string]*Table
	Relations []Relation
}

// Table looks up a table by name.
func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.Tables[name]
	return t, ok
}

// ChainCatalog returns the fixed catalog over indexed chain data.
func ChainCatalog() *Catalog {
	blocks := &Table{
		Name: "blocks",
		Columns: []ColumnDef{
			{Name: "number", Type: TypeInt},
			{Name: "hash", Type: TypeHex},
			{Name: "parent_hash", Type: TypeHex},
			{Name: "timestamp", Type: TypeInt},
		},
		BlockColumn: "number",
		OrderKey:    []string{"number"},
	}
	transactions := &Table{
		Name: "transactions",
		Columns: []ColumnDef{
			{Name: "hash", Type: TypeHex},
			{Name: "block_number", Type: TypeInt},
			{Name: "transaction_index", Type: TypeInt},
			{Name: "from_address", Type: TypeHex},
			{Name: "to_address", Type: TypeHex, Nullable: true},
		},
		BlockColumn:    "block_number",
		AddressColumns: []string{"from_address", "to_address"},
		OrderKey:       []string{"block_number", "transaction_index"},
	}
	events := &Table{
		Name: "events",
		Columns: []ColumnDef{
			{Name: "address", Type: TypeHex},
			{Name: "topic0", Type: TypeHex, Nullable: true},
			{Name: "topic1", Type: TypeHex, Nullable: true},
			{Name: "topic2", Type: TypeHex, Nullable: true},
			{Name: "topic3", Type: TypeHex, Nullable: true},
			{Name: "data", Type: TypeBytes},
			{Name: "transaction_hash", Type: TypeHex},
			{Name: "block_number", Type: TypeInt},
			{Name: "log_index", Type: TypeInt},
		},
		BlockColumn:    "block_number",
		AddressColumns: []string{"address"},
		OrderKey:       []string{"block_number", "log_index"},
	}

	return &Catalog{
		Tables: map[string]*Table{
			blocks.Name:       blocks,
			transactions.Name: transactions,
			events.Name:       events,
		},
		Relations: []Relation{
			{LeftTable: "events", LeftColumn: "transaction_hash", RightTable: "transactions", RightColumn: "hash"},
			{LeftTable: "events", LeftColumn: "block_number", RightTable: "blocks", RightColumn: "number"},
			{LeftTable: "transactions", LeftColumn: "block_number", RightTable: "blocks", RightColumn: "number"},
		},
	}
}
