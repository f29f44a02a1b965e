package recipients

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDetectsColumnsAndValidates(t *testing.T) {
	rows := [][]string{
		{"Full Name", "E-Mail", "Company", "Email Status"},
		{"Ana Lima", "ana@example.com", "Acme", ""},
		{"Bo", "not-an-email", "Beta"},
		{"", "", "Gamma"},
		{"Ana Again", "ANA@example.com", "Acme"},
		{"Cy", "cy@example.org"},
	}
	got, err := Parse(rows, DefaultStatusColumn)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, Recipient{Row: 2, Email: "ana@example.com", Name: "Ana Lima", Valid: true,
		Extra: map[string]string{"Company": "Acme"}}, got[0])

	assert.Equal(t, 3, got[1].Row)
	assert.False(t, got[1].Valid)
	assert.Equal(t, "invalid email address", got[1].Reason)

	assert.Equal(t, 5, got[2].Row, "empty email rows are skipped but keep numbering")
	assert.False(t, got[2].Valid)
	assert.Equal(t, "duplicate email address", got[2].Reason)

	assert.True(t, got[3].Valid)
	assert.Nil(t, got[3].Extra)

	assert.Equal(t, Summary{Valid: 2, Invalid: 1, Duplicates: 1}, Summarize(got))
}

func TestParseRejectsDisplayNameAddresses(t *testing.T) {
	got, err := Parse([][]string{{"email"}, {"Ana <ana@example.com>"}, {"ana@localhost"}}, "")
	require.NoError(t, err)
	assert.False(t, got[0].Valid)
	assert.False(t, got[1].Valid)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(nil, "")
	assert.ErrorIs(t, err, ErrEmptySource)

	_, err = Parse([][]string{{"name", "phone"}, {"Ana", "555"}}, "")
	assert.ErrorIs(t, err, ErrNoEmailColumn)

	got, err := Parse([][]string{{"Email"}}, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestColumnName(t *testing.T) {
	for idx, want := range map[int]string{0: "A", 3: "D", 25: "Z", 26: "AA", 27: "AB", 701: "ZZ", 702: "AAA"} {
		assert.Equal(t, want, ColumnName(idx), "index %d", idx)
	}
}

func TestRegistry(t *testing.T) {
	r := Registry{}
	_, err := r.Get("sheets")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
