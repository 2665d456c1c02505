package calibration

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockMomentsSingleBlockMatchesWeightedMoments(t *testing.T) {
	x := mustDesign(t, []string{"a", "b", "c"}, [][]float64{
		{1, 0, 2},
		{2, 1, 4},
		{3, 0, 8},
		{4, 1, 16},
		{5, 0, 32},
	})
	w := []float64{1, 2, 1, 2, 1}

	full, err := WeightedMoments(x, w)
	require.NoError(t, err)

	block, err := BlockMoments(x, w, BlockPartition{Blocks: []Block{
		{Name: "all", Variables: []string{"a", "b", "c"}},
	}}, DefaultBlockMomentsOptions())
	require.NoError(t, err)

	for j := 0; j < 3; j++ {
		assert.InDelta(t, full.Mean[j], block.Mean[j], 1e-12)
		for jj := 0; jj < 3; jj++ {
			assert.InDelta(t, full.Covariance.At(j, jj), block.Covariance.At(j, jj), 1e-12)
		}
	}
	assert.Equal(t, 5, block.BlockSampleSizes["all"])
	assert.Empty(t, block.Issues)
	assert.Equal(t, 6, block.Mask.CountObserved())
}

func TestBlockMomentsUsesPerBlockCompleteCases(t *testing.T) {
	nan := math.NaN()
	// Variable "a" is observed everywhere, "b" only on the last four rows.
	x := mustDesign(t, []string{"a", "b"}, [][]float64{
		{1, nan},
		{2, 10},
		{3, 20},
		{4, 30},
		{5, 40},
	})
	w := uniformWeights(5)

	est, err := BlockMoments(x, w, BlockPartition{Blocks: []Block{
		{Name: "demo", Variables: []string{"a"}},
		{Name: "health", Variables: []string{"b"}},
	}}, DefaultBlockMomentsOptions())
	require.NoError(t, err)

	// Block means come from each block's own complete cases.
	assert.InDelta(t, 3.0, est.Mean[0], 1e-12)  // all five rows
	assert.InDelta(t, 25.0, est.Mean[1], 1e-12) // last four rows
	assert.Equal(t, 5, est.BlockSampleSizes["demo"])
	assert.Equal(t, 4, est.BlockSampleSizes["health"])

	// Cross-block from the joint subset (rows 1-4).
	assert.Equal(t, 4, est.PairSampleSizes["demo|health"])
	// Joint rows: a = 2,3,4,5 (mean 3.5), b = 10..40 (mean 25); cov = 12.5.
	assert.InDelta(t, 12.5, est.Covariance.At(0, 1), 1e-12)

	// Small joint sample triggers a low-confidence warning but keeps the cell.
	require.Len(t, est.Issues, 1)
	assert.Equal(t, SeverityWarning, est.Issues[0].Severity)
	assert.Equal(t, "low_joint_sample", est.Issues[0].Code)
	assert.True(t, est.Mask.Observed(0, 1))
}

func TestBlockMomentsZeroOverlapPair(t *testing.T) {
	nan := math.NaN()
	// "a" observed on the first two rows only, "b" on the last two only.
	x := mustDesign(t, []string{"a", "b"}, [][]float64{
		{1, nan},
		{2, nan},
		{nan, 10},
		{nan, 20},
	})

	est, err := BlockMoments(x, uniformWeights(4), BlockPartition{Blocks: []Block{
		{Name: "left", Variables: []string{"a"}},
		{Name: "right", Variables: []string{"b"}},
	}}, DefaultBlockMomentsOptions())
	require.NoError(t, err)

	assert.Equal(t, 0, est.PairSampleSizes["left|right"])
	assert.Equal(t, 0.0, est.Covariance.At(0, 1))
	assert.False(t, est.Mask.Observed(0, 1))
	assert.True(t, est.Mask.Observed(0, 0))
	assert.True(t, est.Mask.Observed(1, 1))

	require.Len(t, est.Issues, 1)
	assert.Equal(t, SeverityNote, est.Issues[0].Severity)
	assert.Equal(t, "no_joint_observations", est.Issues[0].Code)
}

func TestBlockMomentsPartitionValidation(t *testing.T) {
	x := mustDesign(t, []string{"a", "b"}, [][]float64{{1, 2}, {3, 4}})
	w := uniformWeights(2)

	tests := []struct {
		name      string
		partition BlockPartition
	}{
		{"empty partition", BlockPartition{}},
		{"unknown variable", BlockPartition{Blocks: []Block{{Name: "x", Variables: []string{"a", "z"}}}}},
		{"overlapping blocks", BlockPartition{Blocks: []Block{
			{Name: "x", Variables: []string{"a"}},
			{Name: "y", Variables: []string{"a", "b"}},
		}}},
		{"incomplete cover", BlockPartition{Blocks: []Block{{Name: "x", Variables: []string{"a"}}}}},
		{"duplicate block name", BlockPartition{Blocks: []Block{
			{Name: "x", Variables: []string{"a"}},
			{Name: "x", Variables: []string{"b"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BlockMoments(x, w, tt.partition, DefaultBlockMomentsOptions())
			assert.Error(t, err)
		})
	}
}

func TestBlockMomentsEmptyBlockFails(t *testing.T) {
	nan := math.NaN()
	x := mustDesign(t, []string{"a", "b"}, [][]float64{
		{1, nan},
		{2, nan},
	})
	_, err := BlockMoments(x, uniformWeights(2), BlockPartition{Blocks: []Block{
		{Name: "left", Variables: []string{"a"}},
		{Name: "right", Variables: []string{"b"}},
	}}, DefaultBlockMomentsOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no complete cases")
}
