package retention

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benji-backup/benji/internal/types"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		want    Policy
		wantErr bool
	}{
		{
			name: "single term",
			expr: "latest3",
			want: Policy{CategoryLatest: 3},
		},
		{
			name: "multiple terms any order",
			expr: "days5,latest2,weeks4",
			want: Policy{CategoryDays: 5, CategoryLatest: 2, CategoryWeeks: 4},
		},
		{
			name:    "unknown category",
			expr:    "fortnights3",
			wantErr: true,
		},
		{
			name:    "zero N",
			expr:    "latest0",
			wantErr: true,
		},
		{
			name:    "malformed term",
			expr:    "latest",
			wantErr: true,
		},
		{
			name:    "empty expression",
			expr:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePolicy(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func version(uid string, age time.Duration, now time.Time) types.Version {
	return types.Version{UID: uid, Date: now.Add(-age), Status: types.VersionValid}
}

func TestEvaluate_Latest(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	versions := []types.Version{
		version("v1", 0, now),
		version("v2", time.Hour, now),
		version("v3", 2*time.Hour, now),
	}
	decisions := Evaluate(versions, Policy{CategoryLatest: 2}, now, 0)

	kept := map[string]bool{}
	for _, d := range decisions {
		kept[d.Version.UID] = d.Keep
	}
	assert.True(t, kept["v1"])
	assert.True(t, kept["v2"])
	assert.False(t, kept["v3"])
}

func TestEvaluate_ProtectedAlwaysKept(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	v := version("v1", 365*24*time.Hour, now)
	v.Protected = true
	decisions := Evaluate([]types.Version{v}, Policy{CategoryLatest: 0}, now, 0)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Keep)
	assert.Equal(t, "protected", decisions[0].Reason)
}

func TestEvaluate_DisallowYoungerAlwaysKept(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	v := version("v1", time.Hour, now)
	decisions := Evaluate([]types.Version{v}, Policy{}, now, 6*24*time.Hour)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Keep)
}

func TestEvaluate_DaysBucketsSkipEmptyDays(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	// Three days have a version, with empty days between them (one, then
	// two); days3 should still find all three, skipping the empty days
	// for free rather than treating them as "used".
	versions := []types.Version{
		version("today", 1*time.Hour, now),
		version("two-days-ago", 49*time.Hour, now),
		version("five-days-ago", 5*24*time.Hour, now),
	}
	decisions := Evaluate(versions, Policy{CategoryDays: 3}, now, 0)
	kept := map[string]bool{}
	for _, d := range decisions {
		kept[d.Version.UID] = d.Keep
	}
	assert.True(t, kept["today"])
	assert.True(t, kept["two-days-ago"])
	assert.True(t, kept["five-days-ago"])
}

func TestEvaluate_FinerCategoryWinsOverCoarser(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	v := version("only", time.Hour, now)
	// Both days1 and weeks1 select the one version that exists; days is
	// processed first, so its reason is the one recorded.
	decisions := Evaluate([]types.Version{v}, Policy{CategoryDays: 1, CategoryWeeks: 1}, now, 0)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Keep)
	assert.Equal(t, "days", decisions[0].Reason)
}

func TestEvaluate_OutsidePolicyRemoved(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	versions := []types.Version{
		version("keep", 0, now),
		version("drop", 1000*24*time.Hour, now),
	}
	decisions := Evaluate(versions, Policy{CategoryLatest: 1}, now, 0)
	for _, d := range decisions {
		if d.Version.UID == "drop" {
			assert.False(t, d.Keep)
			assert.Equal(t, "outside retention policy", d.Reason)
		}
	}
}
