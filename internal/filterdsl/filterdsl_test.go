package filterdsl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/types"
)

func sampleVersion() types.Version {
	return types.Version{
		UID:       "V0000000001",
		Date:      time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC),
		Volume:    "db01",
		Snapshot:  "",
		Size:      12582912,
		BlockSize: 4194304,
		Status:    types.VersionValid,
		Protected: false,
		Storage:   "default",
		Labels:    map[string]string{"env": "prod"},
	}
}

func TestMatchBasicComparisons(t *testing.T) {
	v := sampleVersion()
	now := time.Date(2020, 6, 20, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"string eq", "volume == 'db01'", true},
		{"string ne", "volume != 'db02'", true},
		{"int gt", "size > 1000", true},
		{"int lt false", "size < 1000", false},
		{"status eq", "status == 'valid'", true},
		{"protected bool", "protected == False", true},
		{"and", "volume == 'db01' and status == 'valid'", true},
		{"or", "volume == 'nope' or status == 'valid'", true},
		{"not", "not protected", true},
		{"like", "volume like 'db%'", true},
		{"like no match", "volume like 'xx%'", false},
		{"paren grouping", "(volume == 'db01' and not protected) or False", true},
		{"label membership true", "labels['env']", true},
		{"label membership false", "labels['missing']", false},
		{"label value eq", "labels['env'] == 'prod'", true},
		{"bare true", "True", true},
		{"bare false", "False", false},
		{"empty expr matches all", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse(tt.expr)
			require.NoError(t, err)
			got, err := Eval(node, v, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchDateComparison(t *testing.T) {
	v := sampleVersion()
	now := time.Date(2020, 6, 20, 0, 0, 0, 0, time.UTC)

	node, err := Parse("date < '1 week ago'")
	require.NoError(t, err)
	got, err := Eval(node, v, now)
	require.NoError(t, err)
	assert.False(t, got, "version dated 2020-06-15 is younger than 'one week ago' relative to 2020-06-20")

	node, err = Parse("date > '2020-01-01'")
	require.NoError(t, err)
	got, err = Eval(node, v, now)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseRejectsUnknownIdentifier(t *testing.T) {
	_, err := Parse("nonexistent_field == 1")
	require.Error(t, err)
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	_, err := Parse("True True")
	require.Error(t, err)
}

func TestParseRejectsUnterminatedString(t *testing.T) {
	_, err := Parse("volume == 'db01")
	require.Error(t, err)
}

func TestCompilerReusesParsedNode(t *testing.T) {
	m, err := Compile("volume == 'db01'")
	require.NoError(t, err)

	now := time.Now()
	ok, err := m.Match(sampleVersion(), now)
	require.NoError(t, err)
	assert.True(t, ok)

	other := sampleVersion()
	other.Volume = "db02"
	ok, err = m.Match(other, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseDateAbsoluteAndRelative(t *testing.T) {
	now := time.Date(2020, 6, 20, 0, 0, 0, 0, time.UTC)

	got, err := ParseDate("2020-01-02", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseDate("2 days ago", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), got)

	_, err = ParseDate("not a date", now)
	require.Error(t, err)
}

func TestLikeWildcards(t *testing.T) {
	assert.True(t, matchLike("backup-db01", "backup-%"))
	assert.True(t, matchLike("db01", "db_1"))
	assert.False(t, matchLike("db01", "db_2"))
	assert.True(t, matchLike("", "%"))
	assert.False(t, matchLike("x", ""))
}
