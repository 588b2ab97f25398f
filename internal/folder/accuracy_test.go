package folder

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/nhle/mailsync/internal/model"
)

func TestMergeRange(t *testing.T) {
	a := model.FullSync{HighestModseq: 1, UpdatedAt: 100}
	b := model.FullSync{HighestModseq: 2, UpdatedAt: 200}

	tests := []struct {
		name   string
		ranges []model.AccuracyRange
		start  int64
		end    int64
		fs     model.FullSync
		want   []model.AccuracyRange
	}{
		{
			name:  "into empty",
			start: 10, end: 20, fs: a,
			want: []model.AccuracyRange{{StartTS: 10, EndTS: 20, FullSync: a}},
		},
		{
			name:   "adjacent same provenance merges",
			ranges: []model.AccuracyRange{{StartTS: 10, EndTS: 20, FullSync: a}},
			start:  20, end: 30, fs: a,
			want: []model.AccuracyRange{{StartTS: 10, EndTS: 30, FullSync: a}},
		},
		{
			name:   "adjacent different provenance stays apart",
			ranges: []model.AccuracyRange{{StartTS: 10, EndTS: 20, FullSync: a}},
			start:  30, end: 40, fs: b,
			want: []model.AccuracyRange{
				{StartTS: 30, EndTS: 40, FullSync: b},
				{StartTS: 10, EndTS: 20, FullSync: a},
			},
		},
		{
			name:   "inside splits both ends",
			ranges: []model.AccuracyRange{{StartTS: 10, EndTS: 30, FullSync: a}},
			start:  15, end: 20, fs: b,
			want: []model.AccuracyRange{
				{StartTS: 20, EndTS: 30, FullSync: a},
				{StartTS: 15, EndTS: 20, FullSync: b},
				{StartTS: 10, EndTS: 15, FullSync: a},
			},
		},
		{
			name: "covering swallows everything",
			ranges: []model.AccuracyRange{
				{StartTS: 40, EndTS: 50, FullSync: a},
				{StartTS: 20, EndTS: 30, FullSync: b},
			},
			start: 0, end: 60, fs: b,
			want: []model.AccuracyRange{{StartTS: 0, EndTS: 60, FullSync: b}},
		},
		{
			name:   "same range twice is stable",
			ranges: []model.AccuracyRange{{StartTS: 10, EndTS: 30, FullSync: a}},
			start:  10, end: 30, fs: a,
			want: []model.AccuracyRange{{StartTS: 10, EndTS: 30, FullSync: a}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeRange(tt.ranges, tt.start, tt.end, tt.fs)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ranges mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStaleCoverage(t *testing.T) {
	ranges := []model.AccuracyRange{{StartTS: 20, EndTS: 30, FullSync: model.FullSync{UpdatedAt: 100}}}

	start, end, ok := staleCoverage(ranges, 10, 30, 50)
	assert.True(t, ok)
	assert.Equal(t, int64(10), start)
	assert.Equal(t, int64(20), end)

	start, end, ok = staleCoverage(ranges, 10, 30, 200)
	assert.True(t, ok)
	assert.Equal(t, int64(10), start)
	assert.Equal(t, int64(30), end)

	fresh := []model.AccuracyRange{{StartTS: 0, EndTS: 40, FullSync: model.FullSync{UpdatedAt: 100}}}
	_, _, ok = staleCoverage(fresh, 10, 30, 50)
	assert.False(t, ok)

	start, end, ok = staleCoverage(nil, 10, 30, 50)
	assert.True(t, ok)
	assert.Equal(t, int64(10), start)
	assert.Equal(t, int64(30), end)
}
