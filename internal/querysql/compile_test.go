package querysql

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/queryir"
	"github.com/roach88/vigil/internal/queryparse"
)

func compile(t *testing.T, d Dialect, query string, sc queryir.Scope, maxRows int) (string, []any) {
	t.Helper()
	sel, err := queryparse.Parse(query)
	require.NoError(t, err)
	a, err := queryir.Analyze(sel, queryir.ChainCatalog())
	require.NoError(t, err)
	require.NoError(t, queryir.CheckScope(a, sc))

	sql, params, err := NewSQLCompiler(d).Compile(a, sc, maxRows)
	require.NoError(t, err)
	return sql, params
}

func formatParam(p any) string {
	switch v := p.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return strconv.Quote(v)
	case []byte:
		return "0x" + hex.EncodeToString(v)
	default:
		return fmt.Sprintf("%T(%v)", p, p)
	}
}

func render(sql string, params []any) []byte {
	var sb strings.Builder
	sb.WriteString(sql)
	sb.WriteString("\n")
	for i, p := range params {
		fmt.Fprintf(&sb, "-- %d: %s\n", i+1, formatParam(p))
	}
	return []byte(sb.String())
}

var window = ir.BlockRange{Start: 100, End: 110}

func TestCompile_Golden(t *testing.T) {
	cases := []struct {
		name    string
		query   string
		scope   queryir.Scope
		maxRows int
	}{
		{
			name:    "events_window",
			query:   "SELECT * FROM events WHERE block_number BETWEEN 100 AND 110 AND topic0 = '0xABCD'",
			scope:   queryir.Scope{Window: window, Address: "0xsafe"},
			maxRows: 1000,
		},
		{
			name: "join_aggregate",
			query: `SELECT t.from_address, count(*) AS n FROM events e
				JOIN transactions t ON e.transaction_hash = t.hash
				WHERE e.block_number BETWEEN 100 AND 110
				GROUP BY t.from_address ORDER BY n DESC LIMIT 5`,
			scope:   queryir.Scope{Window: window},
			maxRows: 1000,
		},
		{
			name:  "hex_functions",
			query: "SELECT hex(data) AS d, hex(log_index), lower(address) FROM events WHERE block_number = 105 AND data = '0x00ff' ORDER BY address DESC",
			scope: queryir.Scope{Window: window},
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tc := range cases {
		for _, d := range []Dialect{DialectSQLite, DialectPostgres} {
			t.Run(tc.name+"_"+string(d), func(t *testing.T) {
				sql, params := compile(t, d, tc.query, tc.scope, tc.maxRows)
				g.Assert(t, string(d)+"_"+tc.name, render(sql, params))
			})
		}
	}
}

func TestCompile_ParametersNeverInterpolated(t *testing.T) {
	sql, params := compile(t, DialectSQLite,
		"SELECT hash FROM transactions WHERE block_number BETWEEN 100 AND 101 AND hash = '0xDEADBEEF'",
		queryir.Scope{Window: window}, 10)

	assert.NotContains(t, sql, "deadbeef")
	assert.NotContains(t, sql, "DEADBEEF")
	assert.Contains(t, params, "0xdeadbeef")
	assert.Equal(t, strings.Count(sql, "?"), len(params))
}

func TestCompile_OrderByAlwaysStable(t *testing.T) {
	queries := map[string]string{
		"SELECT * FROM blocks WHERE number = 100":                                                       "ORDER BY blocks.number",
		"SELECT hash FROM transactions WHERE block_number = 100":                                        "ORDER BY transactions.block_number, transactions.transaction_index",
		"SELECT * FROM events WHERE block_number = 100 ORDER BY log_index DESC":                         "ORDER BY events.log_index DESC, events.block_number",
		"SELECT address, count(*) FROM events WHERE block_number = 100 GROUP BY address":                "ORDER BY events.address COLLATE BINARY",
		"SELECT * FROM events e JOIN blocks b ON e.block_number = b.number WHERE e.block_number = 100": "ORDER BY e.block_number, e.log_index, b.number",
	}
	for q, want := range queries {
		sql, _ := compile(t, DialectSQLite, q, queryir.Scope{Window: window}, 0)
		assert.Contains(t, sql, want, q)
	}
}

func TestCompile_AggregateWithoutGroupHasNoOrderBy(t *testing.T) {
	sql, _ := compile(t, DialectSQLite, "SELECT count(*) FROM events WHERE block_number = 100",
		queryir.Scope{Window: window}, 0)
	assert.NotContains(t, sql, "ORDER BY")
}

func TestCompile_Limit(t *testing.T) {
	q := "SELECT * FROM blocks WHERE number = 100"

	sql, params := compile(t, DialectSQLite, q, queryir.Scope{Window: window}, 0)
	assert.NotContains(t, sql, "LIMIT")
	assert.Len(t, params, 3)

	_, params = compile(t, DialectSQLite, q, queryir.Scope{Window: window}, 50)
	assert.Equal(t, int64(51), params[len(params)-1])

	_, params = compile(t, DialectSQLite, q+" LIMIT 7", queryir.Scope{Window: window}, 50)
	assert.Equal(t, int64(7), params[len(params)-1])

	_, params = compile(t, DialectSQLite, q+" LIMIT 700", queryir.Scope{Window: window}, 50)
	assert.Equal(t, int64(51), params[len(params)-1])
}

func TestCompile_AddressPredicate(t *testing.T) {
	sc := queryir.Scope{Window: window, Address: "0xSafe"}

	sql, params := compile(t, DialectSQLite, "SELECT * FROM transactions WHERE block_number = 100", sc, 0)
	assert.Contains(t, sql, "(transactions.from_address = ? OR transactions.to_address = ?)")
	assert.Equal(t, []any{int64(100), int64(100), int64(110), "0xsafe", "0xsafe"}, params)

	sql, _ = compile(t, DialectSQLite, "SELECT * FROM blocks WHERE number = 100", sc, 0)
	assert.NotContains(t, sql, "address")

	// Events carry the address even when joined.
	sql, _ = compile(t, DialectSQLite,
		"SELECT t.hash FROM transactions t JOIN events e ON e.transaction_hash = t.hash WHERE t.block_number = 100", sc, 0)
	assert.Contains(t, sql, "e.address = ?")
	assert.NotContains(t, sql, "from_address = ?")
}

func TestCompile_PostgresDialect(t *testing.T) {
	sql, params := compile(t, DialectPostgres,
		"SELECT sum(log_index), max(topic0) FROM events WHERE block_number IN (100, 101) AND topic1 IS NULL",
		queryir.Scope{Window: window}, 0)

	assert.Contains(t, sql, "CAST(sum(events.log_index) AS BIGINT)")
	assert.Contains(t, sql, "(events.block_number IN ($1::bigint, $2::bigint))")
	assert.Contains(t, sql, "(events.topic1 IS NULL)")
	assert.NotContains(t, sql, "?")
	assert.Len(t, params, 4)
}

func TestCompile_Errors(t *testing.T) {
	_, _, err := NewSQLCompiler(DialectSQLite).Compile(nil, queryir.Scope{}, 0)
	assert.Error(t, err)

	sel, err := queryparse.Parse("SELECT * FROM blocks WHERE number = 1")
	require.NoError(t, err)
	a, err := queryir.Analyze(sel, queryir.ChainCatalog())
	require.NoError(t, err)
	_, _, err = NewSQLCompiler("mysql").Compile(a, queryir.Scope{Window: window}, 0)
	assert.ErrorContains(t, err, "unsupported dialect")
}
