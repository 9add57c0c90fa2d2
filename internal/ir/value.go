package ir

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies the type of a query column or cell.
// The numeric values are part of the guest ABI row-set encoding.
type Kind uint32

const (
	KindNull   Kind = 0
	KindInt    Kind = 1
	KindString Kind = 2
	KindBytes  Kind = 3
)

// String returns the lowercase name used in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// MarshalJSON renders the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Value is a sealed interface over the scalar types a query can return.
// Only Null, Int, String and Bytes implement it.
type Value interface {
	value() // Sealed
	Kind() Kind
}

// Null is an absent value (e.g. a missing to_address or topic).
type Null struct{}

func (Null) value()         {}
func (Null) Kind() Kind     { return KindNull }
func (Null) String() string { return "NULL" }

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Int is a 64-bit signed integer value.
type Int int64

func (Int) value()     {}
func (Int) Kind() Kind { return KindInt }

// String is a text value. Hashes and addresses are lowercase 0x-prefixed hex.
type String string

func (String) value()     {}
func (String) Kind() Kind { return KindString }

// Bytes is a raw byte value (event data).
type Bytes []byte

func (Bytes) value()     {}
func (Bytes) Kind() Kind { return KindBytes }

// Hex returns the 0x-prefixed lowercase hex encoding.
func (b Bytes) Hex() string {
	return "0x" + hex.EncodeToString(b)
}

// MarshalJSON renders bytes as 0x-prefixed hex.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Hex())
}

// ParseHexBytes decodes a 0x-prefixed (or bare) hex string.
func ParseHexBytes(s string) (Bytes, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return Bytes(b), nil
}

// NormalizeHex lowercases a hex identifier (hash, address, topic) and
// ensures a 0x prefix. Empty input stays empty.
func NormalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// IsHexText reports whether s is 0x followed by at least one character
// in [0-9a-zA-Z]. Non-hex letters are allowed so that symbolic test
// addresses such as 0xSAFE keep working.
func IsHexText(s string) bool {
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// Column describes one column in a QueryResult.
type Column struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// QueryResult is the eager, immutable output of a restricted query.
// Rows are ordered deterministically by the compiled query.
type QueryResult struct {
	Columns []Column  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

// RowCount returns the number of rows.
func (r *QueryResult) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}
