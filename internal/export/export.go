// Package export writes calibration outputs: the weight CSV that downstream
// stages join back onto the record set, the balance-report CSV, and an
// optional analyst-facing XLSX workbook.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"svycal/internal/calibration"
)

// WriteWeightsCSV writes one row per unit: id, weight.
func WriteWeightsCSV(path string, ids []string, weights []float64) error {
	if len(ids) != len(weights) {
		return fmt.Errorf("ids and weights differ in length: %d vs %d", len(ids), len(weights))
	}
	records := make([][]string, len(weights))
	for i := range weights {
		records[i] = []string{ids[i], formatFloat(weights[i])}
	}
	return writeCSV(path, []string{"id", "weight"}, records)
}

// WriteBalanceCSV writes the per-variable achieved-versus-target table.
func WriteBalanceCSV(path string, report []calibration.VariableBalance) error {
	records := make([][]string, len(report))
	for i, row := range report {
		records[i] = []string{
			row.Variable,
			formatFloat(row.Target),
			formatFloat(row.Achieved),
			formatFloat(row.AbsDiff),
			formatFloat(row.PctDiff),
		}
	}
	return writeCSV(path, []string{"variable", "target", "achieved", "abs_diff", "pct_diff"}, records)
}

// writeCSV writes a BOM-prefixed CSV so spreadsheet tools detect UTF-8.
func writeCSV(path string, header []string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("write BOM: %w", err)
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

// WriteWorkbook writes the diagnostic XLSX with Summary, Balance, and
// Weights sheets.
func WriteWorkbook(path string, result *calibration.CalibrationResult, ids []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	wb := excelize.NewFile()
	defer wb.Close()

	const summary = "Summary"
	if err := wb.SetSheetName(wb.GetSheetName(0), summary); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}

	summaryRows := [][]interface{}{
		{"run_id", result.RunID},
		{"method", result.Method.String()},
		{"converged", result.Converged},
		{"optimizer_status", result.OptimizerStatus},
		{"objective_value", result.ObjectiveValue},
		{"initial_objective", result.InitialObjective},
		{"min_weight", result.Diagnostics.MinWeight},
		{"max_weight", result.Diagnostics.MaxWeight},
		{"weight_ratio", result.Diagnostics.WeightRatio},
		{"effective_sample_size", result.Diagnostics.EffectiveSampleSize},
		{"efficiency_pct", result.Diagnostics.EfficiencyPct},
		{"elapsed", result.Elapsed.String()},
	}
	if result.Recovery != nil {
		summaryRows = append(summaryRows,
			[]interface{}{"correlation_cells_compared", result.Recovery.CellsCompared},
			[]interface{}{"correlation_gap_unweighted", result.Recovery.UnweightedMeanAbsGap},
			[]interface{}{"correlation_gap_weighted", result.Recovery.WeightedMeanAbsGap},
			[]interface{}{"correlation_improvement", result.Recovery.Improvement},
		)
	}
	for i, row := range summaryRows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(summary, cell, &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}

	const balance = "Balance"
	if _, err := wb.NewSheet(balance); err != nil {
		return fmt.Errorf("create balance sheet: %w", err)
	}
	balanceHeader := []interface{}{"variable", "target", "achieved", "abs_diff", "pct_diff"}
	if err := wb.SetSheetRow(balance, "A1", &balanceHeader); err != nil {
		return fmt.Errorf("write balance header: %w", err)
	}
	for i, row := range result.Report {
		values := []interface{}{row.Variable, row.Target, row.Achieved, row.AbsDiff, row.PctDiff}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(balance, cell, &values); err != nil {
			return fmt.Errorf("write balance row: %w", err)
		}
	}

	const weights = "Weights"
	if _, err := wb.NewSheet(weights); err != nil {
		return fmt.Errorf("create weights sheet: %w", err)
	}
	weightsHeader := []interface{}{"id", "weight"}
	if err := wb.SetSheetRow(weights, "A1", &weightsHeader); err != nil {
		return fmt.Errorf("write weights header: %w", err)
	}
	for i, w := range result.Weights {
		id := strconv.Itoa(i + 1)
		if i < len(ids) {
			id = ids[i]
		}
		values := []interface{}{id, w}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := wb.SetSheetRow(weights, cell, &values); err != nil {
			return fmt.Errorf("write weights row: %w", err)
		}
	}

	if err := wb.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}
