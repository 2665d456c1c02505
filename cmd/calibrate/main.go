// Command calibrate runs a survey weight-calibration plan: it loads the
// sample design matrix, estimates target moments from each reference survey,
// solves for calibrated weights, and writes the weight and balance reports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"svycal/internal/calibration"
	"svycal/internal/config"
	"svycal/internal/dataset"
	"svycal/internal/export"
	"svycal/internal/plan"
)

func main() {
	planPath := flag.String("plan", "plan.yaml", "path to the calibration plan")
	methodOverride := flag.String("method", "", "override the plan's estimator (loglinear, hierarchical, simplex, masked-simplex, rake)")
	outOverride := flag.String("out", "", "override the plan's output directory")
	logLevel := flag.String("log-level", "", "override the configured log level")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	logger, closer, err := config.NewLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger, *planPath, *methodOverride, *outOverride); err != nil {
		logger.Error("calibration run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, planPath, methodOverride, outOverride string) error {
	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}
	if methodOverride != "" {
		p.Method = methodOverride
	}
	if outOverride != "" {
		p.Output.Dir = outOverride
	}
	if (p.Output.Dir == "" || p.Output.Dir == ".") && cfg.Output.Dir != "" {
		p.Output.Dir = cfg.Output.Dir
	}

	logger.InfoContext(ctx, "loading sample design",
		"path", p.Sample.Path,
		"variables", len(p.Sample.Variables),
	)
	sample, err := dataset.LoadCSV(p.Sample.Path, dataset.Options{
		Variables: p.Sample.Variables,
		IDColumn:  p.Sample.IDColumn,
	})
	if err != nil {
		return fmt.Errorf("load sample: %w", err)
	}
	if sample.Design.HasMissing() {
		return fmt.Errorf("sample design matrix has missing cells; impute upstream before calibrating")
	}

	// Each reference is an independent calibration problem; the core is
	// stateless, so they run in parallel.
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.Workers)
	for _, ref := range p.References {
		group.Go(func() error {
			return runReference(gctx, logger, p, sample, ref)
		})
	}
	return group.Wait()
}

func runReference(ctx context.Context, logger *slog.Logger, p *plan.Plan, sample *dataset.Loaded, ref plan.ReferenceSpec) error {
	logger.InfoContext(ctx, "loading reference survey",
		"reference", ref.Name,
		"path", ref.Path,
	)
	loaded, err := dataset.LoadCSV(ref.Path, dataset.Options{
		Variables:    p.Sample.Variables,
		WeightColumn: ref.WeightColumn,
	})
	if err != nil {
		return fmt.Errorf("reference %s: %w", ref.Name, err)
	}
	refWeights := loaded.Weights
	if refWeights == nil {
		refWeights = make([]float64, loaded.Design.Rows())
		for i := range refWeights {
			refWeights[i] = 1
		}
	}

	target, mask, err := referenceTarget(ctx, logger, ref, loaded.Design, refWeights)
	if err != nil {
		return fmt.Errorf("reference %s target: %w", ref.Name, err)
	}

	for _, issue := range calibration.ValidateMoments(target).Issues {
		logIssue(ctx, logger, ref.Name, issue)
	}

	if p.IsRake() {
		return runRake(ctx, logger, p, sample, ref, target)
	}
	return runCalibration(ctx, logger, p, sample, ref, target, mask)
}

// referenceTarget estimates the target moments from the reference design,
// block-factored when the reference declares a block structure.
func referenceTarget(ctx context.Context, logger *slog.Logger, ref plan.ReferenceSpec, design *calibration.DesignMatrix, weights []float64) (*calibration.MomentEstimate, *calibration.CovarianceMask, error) {
	if len(ref.Blocks) == 0 {
		est, err := calibration.WeightedMoments(design, weights)
		if err != nil {
			return nil, nil, err
		}
		return est, nil, nil
	}

	opts := calibration.DefaultBlockMomentsOptions()
	if ref.MinJointSample > 0 {
		opts.MinJointSample = ref.MinJointSample
	}
	est, err := calibration.BlockMoments(design, weights, ref.BlockPartition(), opts)
	if err != nil {
		return nil, nil, err
	}
	for _, issue := range est.Issues {
		logIssue(ctx, logger, ref.Name, issue)
	}
	return &est.MomentEstimate, est.Mask, nil
}

func runCalibration(ctx context.Context, logger *slog.Logger, p *plan.Plan, sample *dataset.Loaded, ref plan.ReferenceSpec, target *calibration.MomentEstimate, mask *calibration.CovarianceMask) error {
	cal, err := calibration.NewCalibrator(p.CalibrationConfig(), logger)
	if err != nil {
		return err
	}
	result, err := cal.Calibrate(ctx, sample.Design, target.Mean, target.Covariance, mask)
	if err != nil {
		return fmt.Errorf("reference %s: %w", ref.Name, err)
	}
	for _, issue := range result.Advisories {
		logIssue(ctx, logger, ref.Name, issue)
	}
	if !result.Converged {
		// Non-convergence is surfaced, not fatal; the operator decides
		// whether to retry with another parameterization.
		logger.WarnContext(ctx, "marginal tolerance not met",
			"reference", ref.Name,
			"run_id", result.RunID,
			"optimizer_status", result.OptimizerStatus,
		)
	}
	return writeOutputs(p, ref.Name, sample.IDs, result)
}

func runRake(ctx context.Context, logger *slog.Logger, p *plan.Plan, sample *dataset.Loaded, ref plan.ReferenceSpec, target *calibration.MomentEstimate) error {
	result, err := calibration.Rake(ctx, sample.Design, uniformBase(sample.Design.Rows()), target.Mean, p.RakeConfig(), logger)
	if err != nil {
		return fmt.Errorf("reference %s: %w", ref.Name, err)
	}
	for _, issue := range result.Advisories {
		logIssue(ctx, logger, ref.Name, issue)
	}

	dir := p.Output.Dir
	if err := export.WriteWeightsCSV(outPath(dir, ref.Name, "weights.csv"), sample.IDs, result.Weights); err != nil {
		return err
	}
	return export.WriteBalanceCSV(outPath(dir, ref.Name, "balance.csv"), result.Report)
}

func writeOutputs(p *plan.Plan, refName string, ids []string, result *calibration.CalibrationResult) error {
	dir := p.Output.Dir
	if err := export.WriteWeightsCSV(outPath(dir, refName, "weights.csv"), ids, result.Weights); err != nil {
		return err
	}
	if err := export.WriteBalanceCSV(outPath(dir, refName, "balance.csv"), result.Report); err != nil {
		return err
	}
	if p.Output.Workbook {
		if err := export.WriteWorkbook(outPath(dir, refName, "report.xlsx"), result, ids); err != nil {
			return err
		}
	}
	return nil
}

func outPath(dir, refName, suffix string) string {
	name := strings.ReplaceAll(strings.ToLower(refName), " ", "_")
	return filepath.Join(dir, fmt.Sprintf("%s_%s", name, suffix))
}

func uniformBase(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func logIssue(ctx context.Context, logger *slog.Logger, refName string, issue calibration.Issue) {
	switch issue.Severity {
	case calibration.SeverityError:
		logger.ErrorContext(ctx, issue.Message, "reference", refName, "code", issue.Code)
	case calibration.SeverityWarning:
		logger.WarnContext(ctx, issue.Message, "reference", refName, "code", issue.Code)
	default:
		logger.InfoContext(ctx, issue.Message, "reference", refName, "code", issue.Code)
	}
}
