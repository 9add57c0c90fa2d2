package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockRange(t *testing.T) {
	r := BlockRange{Start: 100, End: 110}
	assert.False(t, r.Empty())
	assert.Equal(t, uint64(11), r.Len())
	assert.True(t, r.Contains(100))
	assert.True(t, r.Contains(110))
	assert.False(t, r.Contains(99))
	assert.False(t, r.Contains(111))
	assert.Equal(t, "[100,110]", r.String())

	empty := BlockRange{Start: 11, End: 10}
	assert.True(t, empty.Empty())
	assert.Equal(t, uint64(0), empty.Len())
	assert.False(t, empty.Contains(10))
}

func TestSeverityFromCode(t *testing.T) {
	sev, ok := SeverityFromCode(0)
	require.True(t, ok)
	assert.Equal(t, SeverityInfo, sev)

	sev, ok = SeverityFromCode(4)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, sev)

	_, ok = SeverityFromCode(5)
	assert.False(t, ok)
	_, ok = SeverityFromCode(-1)
	assert.False(t, ok)

	assert.True(t, SeverityHigh.Valid())
	assert.False(t, Severity("urgent").Valid())
}

func TestStatusFailed(t *testing.T) {
	assert.False(t, StatusSuccess.Failed())
	for _, s := range []Status{StatusTrapped, StatusTimedOut, StatusQueryError, StatusRejected} {
		assert.True(t, s.Failed(), s)
	}
}

func TestValueKinds(t *testing.T) {
	assert.Equal(t, KindNull, Null{}.Kind())
	assert.Equal(t, KindInt, Int(1).Kind())
	assert.Equal(t, KindString, String("x").Kind())
	assert.Equal(t, KindBytes, Bytes{1}.Kind())
	assert.Equal(t, "bytes", KindBytes.String())
}

func TestQueryResultJSON(t *testing.T) {
	res := &QueryResult{
		Columns: []Column{{Name: "n", Kind: KindInt}, {Name: "d", Kind: KindBytes}, {Name: "t", Kind: KindString}},
		Rows:    [][]Value{{Int(5), Bytes{0xde, 0xad}, Null{}}},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"columns":[{"name":"n","kind":"int"},{"name":"d","kind":"bytes"},{"name":"t","kind":"string"}],"rows":[[5,"0xdead",null]]}`,
		string(data))
	assert.Equal(t, 1, res.RowCount())
}

func TestHexHelpers(t *testing.T) {
	b, err := ParseHexBytes("0xDEad")
	require.NoError(t, err)
	assert.Equal(t, Bytes{0xde, 0xad}, b)

	_, err = ParseHexBytes("0xabc")
	assert.Error(t, err)
	_, err = ParseHexBytes("0xzz")
	assert.Error(t, err)

	assert.Equal(t, "0xsafe", NormalizeHex("0xSAFE"))
	assert.Equal(t, "0xab", NormalizeHex("AB"))
	assert.Equal(t, "", NormalizeHex(" "))

	assert.True(t, IsHexText("0xSAFE"))
	assert.False(t, IsHexText("0x"))
	assert.False(t, IsHexText("abc"))
	assert.False(t, IsHexText("0xab-c"))
}
