package queryir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/queryir"
)

func checkScope(t *testing.T, query string, sc queryir.Scope) error {
	t.Helper()
	a, err := analyze(t, query)
	require.NoError(t, err, "analyze %q", query)
	return queryir.CheckScope(a, sc)
}

func TestCheckScope_InWindow(t *testing.T) {
	sc := queryir.Scope{Window: ir.BlockRange{Start: 100, End: 110}}

	accepted := []string{
		"SELECT * FROM blocks WHERE number BETWEEN 100 AND 110",
		"SELECT * FROM blocks WHERE number >= 100 AND number <= 110",
		"SELECT * FROM blocks WHERE number > 99 AND number < 111",
		"SELECT * FROM blocks WHERE 100 <= number AND 110 >= number",
		"SELECT * FROM blocks WHERE number = 105",
		"SELECT * FROM blocks WHERE number IN (101, 104, 109)",
		"SELECT * FROM events WHERE block_number BETWEEN 102 AND 103 AND topic0 IS NOT NULL",
		// Tighter of two bounds wins.
		"SELECT * FROM blocks WHERE number >= 0 AND number >= 100 AND number <= 110",
		// Joined block column equated to the driving one.
		"SELECT * FROM events e JOIN blocks b ON e.block_number = b.number WHERE b.number BETWEEN 100 AND 101",
	}
	for _, q := range accepted {
		assert.NoError(t, checkScope(t, q, sc), q)
	}
}

func TestCheckScope_OutOfWindow(t *testing.T) {
	sc := queryir.Scope{Window: ir.BlockRange{Start: 100, End: 110}}

	rejected := []string{
		"SELECT * FROM blocks",
		"SELECT * FROM blocks WHERE number >= 100",
		"SELECT * FROM blocks WHERE number <= 110",
		"SELECT * FROM blocks WHERE number BETWEEN 99 AND 110",
		"SELECT * FROM blocks WHERE number BETWEEN 100 AND 111",
		"SELECT * FROM blocks WHERE number = 111",
		"SELECT * FROM blocks WHERE number IN (105, 200)",
		// Bounds under OR or NOT do not count.
		"SELECT * FROM blocks WHERE number = 105 OR number = 106",
		"SELECT * FROM blocks WHERE NOT (number < 100 OR number > 110)",
		"SELECT * FROM blocks WHERE number NOT BETWEEN 0 AND 99 AND number <= 110",
		// A bound on a non-block column is not a window bound.
		"SELECT * FROM events WHERE log_index BETWEEN 100 AND 110",
		// Joined on the transaction hash: only the driving block column counts.
		"SELECT * FROM events e JOIN transactions t ON e.transaction_hash = t.hash WHERE t.block_number BETWEEN 100 AND 110",
	}
	for _, q := range rejected {
		err := checkScope(t, q, sc)
		assert.True(t, queryir.IsKind(err, queryir.KindOutOfScope), "%s: got %v", q, err)
	}
}

func TestCheckScope_EmptyWindow(t *testing.T) {
	err := checkScope(t, "SELECT * FROM blocks WHERE number = 5",
		queryir.Scope{Window: ir.BlockRange{Start: 6, End: 5}})
	assert.True(t, queryir.IsKind(err, queryir.KindOutOfScope))
}

func TestCheckScope_Address(t *testing.T) {
	sc := queryir.Scope{Window: ir.BlockRange{Start: 1, End: 10}, Address: "0xsafe"}
	window := "block_number BETWEEN 1 AND 10"

	assert.NoError(t, checkScope(t, "SELECT * FROM events WHERE "+window, sc))
	assert.NoError(t, checkScope(t, "SELECT * FROM events WHERE "+window+" AND address = '0xSAFE'", sc))
	assert.NoError(t, checkScope(t, "SELECT * FROM events WHERE "+window+" AND address IN ('0xsafe')", sc))
	// Counterparty filters on transactions are allowed.
	assert.NoError(t, checkScope(t, "SELECT * FROM transactions WHERE "+window+" AND from_address = '0xother'", sc))
	// Not equality: the host predicate still narrows the result.
	assert.NoError(t, checkScope(t, "SELECT * FROM events WHERE "+window+" AND address != '0xother'", sc))

	err := checkScope(t, "SELECT * FROM events WHERE "+window+" AND address = '0xother'", sc)
	require.Error(t, err)
	assert.True(t, queryir.IsKind(err, queryir.KindOutOfScope))

	err = checkScope(t, "SELECT * FROM events WHERE "+window+" AND address IN ('0xsafe', '0xother')", sc)
	assert.True(t, queryir.IsKind(err, queryir.KindOutOfScope))
}
