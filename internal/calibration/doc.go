// Package calibration computes survey calibration weights: given a design
// matrix of harmonized covariates for a sample and target population moments
// estimated from a reference survey, it solves for per-unit weights whose
// weighted sample moments match the target.
//
// The package provides:
//
//   - WeightedMoments and BlockMoments: weighted first and second moment
//     estimation, including a block-factored variant that tolerates
//     structurally missing variable groups.
//   - ValidateMoments and ValidateCovariance: diagnostic certification of a
//     moment estimate before it is used as a calibration target.
//   - Calibrator: four interchangeable weight parameterizations (log-linear,
//     hierarchical, Dirichlet simplex, masked simplex) solved as MAP
//     estimation with a quasi-Newton optimizer.
//   - Rake: marginal-only iterative proportional fitting.
//
// All entry points are pure functions of their inputs; no state is shared
// across calls, so independent calibration problems may run concurrently.
package calibration
