package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"svycal/internal/calibration"
)

func TestWriteWeightsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "weights.csv")

	err := WriteWeightsCSV(path, []string{"r1", "r2"}, []float64{1.25, 0.75})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []byte{0xEF, 0xBB, 0xBF}, raw[:3], "CSV carries a UTF-8 BOM")
	assert.Equal(t, "id,weight\nr1,1.25\nr2,0.75\n", string(raw[3:]))
}

func TestWriteWeightsCSVLengthMismatch(t *testing.T) {
	err := WriteWeightsCSV(filepath.Join(t.TempDir(), "w.csv"), []string{"r1"}, []float64{1, 2})
	assert.Error(t, err)
}

func TestWriteBalanceCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balance.csv")

	err := WriteBalanceCSV(path, []calibration.VariableBalance{
		{Variable: "age", Target: 42.5, Achieved: 42.4, AbsDiff: 0.1, PctDiff: 0.2352941176},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "variable,target,achieved,abs_diff,pct_diff\n")
	assert.Contains(t, string(raw), "age,42.5,42.4,0.1,0.2352941176\n")
}

func TestWriteWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xlsx")

	result := &calibration.CalibrationResult{
		RunID:           "run-1",
		Method:          calibration.MethodLogLinear,
		Elapsed:         250 * time.Millisecond,
		Weights:         []float64{1.1, 0.9},
		Converged:       true,
		OptimizerStatus: "GradientThreshold",
		Report: []calibration.VariableBalance{
			{Variable: "age", Target: 42.5, Achieved: 42.5},
		},
		Diagnostics: calibration.WeightDiagnostics{
			MinWeight:           0.9,
			MaxWeight:           1.1,
			WeightRatio:         1.1 / 0.9,
			EffectiveSampleSize: 1.98,
			EfficiencyPct:       99.0,
		},
		Recovery: &calibration.CorrelationRecovery{
			CellsCompared:        1,
			UnweightedMeanAbsGap: 0.2,
			WeightedMeanAbsGap:   0.05,
			Improvement:          0.15,
		},
	}

	require.NoError(t, WriteWorkbook(path, result, []string{"r1", "r2"}))

	wb, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer wb.Close()

	assert.ElementsMatch(t, []string{"Summary", "Balance", "Weights"}, wb.GetSheetList())

	runID, err := wb.GetCellValue("Summary", "B1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)

	variable, err := wb.GetCellValue("Balance", "A2")
	require.NoError(t, err)
	assert.Equal(t, "age", variable)

	firstID, err := wb.GetCellValue("Weights", "A2")
	require.NoError(t, err)
	assert.Equal(t, "r1", firstID)

	// Recovery rows land below the fixed summary block.
	cells, err := wb.GetCellValue("Summary", "A13")
	require.NoError(t, err)
	assert.Equal(t, "correlation_cells_compared", cells)
}
