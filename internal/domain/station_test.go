package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForRank(t *testing.T) {
	tests := []struct {
		rank int
		want Tier
	}{
		{rank: 1, want: TierCritical},
		{rank: 10, want: TierCritical},
		{rank: 11, want: TierHigh},
		{rank: 30, want: TierHigh},
		{rank: 31, want: TierMedium},
		{rank: 60, want: TierMedium},
		{rank: 61, want: TierLow},
		{rank: 100, want: TierLow},
		{rank: 101, want: TierMinimal},
		{rank: 5000, want: TierMinimal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierForRank(tt.rank), "rank %d", tt.rank)
	}
}
