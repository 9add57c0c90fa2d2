package queryir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/queryparse"
)

func analyze(t *testing.T, query string) (*queryir.Analyzed, error) {
	t.Helper()
	sel, err := queryparse.Parse(query)
	require.NoError(t, err, "parse %q", query)
	return queryir.Analyze(sel, queryir.ChainCatalog())
}

func TestAnalyze_StarOutput(t *testing.T) {
	a, err := analyze(t, "SELECT * FROM blocks WHERE number BETWEEN 1 AND 2")
	require.NoError(t, err)

	var names []string
	for _, c := range a.Output {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"number", "hash", "parent_hash", "timestamp"}, names)
	assert.Equal(t, ir.KindInt, a.Output[0].Kind)
	assert.Equal(t, ir.KindString, a.Output[1].Kind)
	assert.False(t, a.Aggregate)
	assert.Nil(t, a.Joined)
}

func TestAnalyze_StarWithJoinQualifiesNames(t *testing.T) {
	a, err := analyze(t, `SELECT * FROM events e JOIN transactions t ON e.transaction_hash = t.hash
		WHERE e.block_number BETWEEN 1 AND 2`)
	require.NoError(t, err)

	require.Len(t, a.Output, 9+5)
	assert.Equal(t, "e.address", a.Output[0].Name)
	assert.Equal(t, ir.KindBytes, a.Output[5].Kind)
	assert.Equal(t, "t.hash", a.Output[9].Name)
	assert.Equal(t, "transactions", a.Joined.Name)
}

func TestAnalyze_ResolvesColumns(t *testing.T) {
	a, err := analyze(t, `SELECT e.address, t.from_address, log_index FROM events e
		JOIN transactions t ON t.hash = e.transaction_hash
		WHERE e.block_number BETWEEN 1 AND 2`)
	require.NoError(t, err)

	addr := a.Output[0].Expr.(*queryir.ColumnRef)
	assert.Equal(t, "events", a.TableFor(addr.Table).Name)
	from := a.Output[1].Expr.(*queryir.ColumnRef)
	assert.Equal(t, "transactions", a.TableFor(from.Table).Name)
	// Unqualified but unambiguous.
	idx := a.Output[2].Expr.(*queryir.ColumnRef)
	assert.Equal(t, "events", a.TableFor(idx.Table).Name)
}

func TestAnalyze_Aggregates(t *testing.T) {
	a, err := analyze(t, `SELECT address, count(*), max(block_number) AS last FROM events
		WHERE block_number BETWEEN 1 AND 2 GROUP BY address ORDER BY last DESC`)
	require.NoError(t, err)

	assert.True(t, a.Aggregate)
	require.Len(t, a.Output, 3)
	assert.Equal(t, "count(*)", a.Output[1].Name)
	assert.Equal(t, ir.KindInt, a.Output[1].Kind)
	assert.Equal(t, "last", a.Output[2].Name)
	assert.Equal(t, "last", a.Select.OrderBy[0].Expr.(*queryir.ColumnRef).Alias)
}

func TestAnalyze_LiteralCoercion(t *testing.T) {
	a, err := analyze(t, `SELECT * FROM events WHERE block_number BETWEEN 1 AND 2
		AND topic0 = '0xABCD' AND data = '0x00ff' AND address IN ('0xAA', '0xbb')`)
	require.NoError(t, err)

	conj := queryir.Conjuncts(a.Select.Where)
	require.Len(t, conj, 4)
	assert.Equal(t, queryir.CoerceHex, conj[1].(*queryir.Compare).Right.(*queryir.StringLit).Coerce)
	assert.Equal(t, queryir.CoerceBytes, conj[2].(*queryir.Compare).Right.(*queryir.StringLit).Coerce)
	for _, item := range conj[3].(*queryir.In).List {
		assert.Equal(t, queryir.CoerceHex, item.(*queryir.StringLit).Coerce)
	}
}

func TestAnalyze_SemanticErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
		msg   string
	}{
		{"unknown table", "SELECT * FROM receipts", "unknown table"},
		{"unknown column", "SELECT gas FROM transactions", "unknown column"},
		{"unknown qualifier", "SELECT x.hash FROM transactions", "unknown table"},
		{"ambiguous", "SELECT block_number FROM events JOIN transactions ON events.transaction_hash = transactions.hash", "ambiguous"},
		{"bad relation", "SELECT * FROM events JOIN transactions ON events.address = transactions.from_address", "cannot be joined"},
		{"self join", "SELECT * FROM events JOIN events ON events.block_number = events.block_number", "used twice"},
		{"same side join", "SELECT * FROM events e JOIN blocks b ON e.block_number = e.block_number", "both tables"},
		{"int vs text", "SELECT * FROM blocks WHERE number = 'abc'", "type mismatch"},
		{"null compare", "SELECT * FROM blocks WHERE hash = NULL", "IS NULL"},
		{"ordered bytes", "SELECT * FROM events WHERE data > '0x00'", "only support"},
		{"bytes literal", "SELECT * FROM events WHERE data = 'zz'", "0x-prefixed"},
		{"where not bool", "SELECT * FROM blocks WHERE number", "must be a condition"},
		{"or non bool", "SELECT * FROM blocks WHERE number = 1 OR hash", "must be a condition"},
		{"between text", "SELECT * FROM blocks WHERE hash BETWEEN 'a' AND 'b'", "integer"},
		{"unknown function", "SELECT upper(hash) FROM blocks", "unknown function"},
		{"aggregate in where", "SELECT * FROM blocks WHERE count(*) = 1", "not allowed"},
		{"nested aggregate", "SELECT max(count(*)) FROM blocks", "not allowed"},
		{"sum of text", "SELECT sum(hash) FROM blocks", "integer argument"},
		{"max of bytes", "SELECT max(data) FROM events", "cannot be applied"},
		{"star with aggregate", "SELECT * FROM blocks GROUP BY number", "SELECT *"},
		{"ungrouped column", "SELECT hash, count(*) FROM blocks", "GROUP BY"},
		{"wrong arity", "SELECT lower(hash, hash) FROM blocks", "exactly one"},
		{"sum star", "SELECT sum(*) FROM blocks", "not supported"},
		{"duplicate alias", "SELECT number AS n, hash AS n FROM blocks", "duplicate"},
		{"order by literal", "SELECT * FROM blocks ORDER BY 1", "literal"},
		{"order ungrouped", "SELECT address, count(*) FROM events GROUP BY address ORDER BY log_index", "GROUP BY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analyze(t, tt.query)
			require.Error(t, err)
			assert.True(t, queryir.IsKind(err, queryir.KindSemantic), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
