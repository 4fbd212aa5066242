package noise

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/depth.fusion/internal/fusion"
	"github.com/banshee-data/depth.fusion/internal/fusion/detmath"
)

// FitConfig tunes the robust calibration fit.
type FitConfig struct {
	// MinSamples is the smallest triple count a fit will accept.
	MinSamples int `json:"min_samples"`

	// HuberDelta is the residual scale, in metres, beyond which a
	// sample's influence stops growing.
	HuberDelta float64 `json:"huber_delta"`

	// LearnRate is the fixed gradient-descent step scale.
	LearnRate float64 `json:"learn_rate"`

	// MaxIterations caps the descent; ConvergeEps stops it early once
	// every parameter delta falls below it.
	MaxIterations int     `json:"max_iterations"`
	ConvergeEps   float64 `json:"converge_eps"`

	// OutlierMADs classifies a sample as outlier when its final residual
	// exceeds this many MADs.
	OutlierMADs float64 `json:"outlier_mads"`

	// MaxOutlierRate is the validity cutoff: fits rejecting more than
	// this fraction are not installed.
	MaxOutlierRate float64 `json:"max_outlier_rate"`
}

// DefaultFitConfig returns the production fit tuning.
func DefaultFitConfig() FitConfig {
	return FitConfig{
		MinSamples:     10,
		HuberDelta:     0.05,
		LearnRate:      0.01,
		MaxIterations:  100,
		ConvergeEps:    1e-6,
		OutlierMADs:    3.0,
		MaxOutlierRate: 0.3,
	}
}

// Validate checks the fit configuration.
func (c FitConfig) Validate() error {
	if c.MinSamples < 2 {
		return fmt.Errorf("min samples must be at least 2, got %d", c.MinSamples)
	}
	if c.HuberDelta <= 0 {
		return fmt.Errorf("huber delta must be positive, got %.4f", c.HuberDelta)
	}
	if c.LearnRate <= 0 {
		return fmt.Errorf("learn rate must be positive, got %.4f", c.LearnRate)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.ConvergeEps <= 0 {
		return fmt.Errorf("converge eps must be positive, got %g", c.ConvergeEps)
	}
	if c.OutlierMADs <= 0 {
		return fmt.Errorf("outlier MADs must be positive, got %.2f", c.OutlierMADs)
	}
	if c.MaxOutlierRate <= 0 || c.MaxOutlierRate > 1 {
		return fmt.Errorf("max outlier rate must be in (0,1], got %.2f", c.MaxOutlierRate)
	}
	return nil
}

// FitSample is one ground-truth calibration triple: what the source
// reported and what the reference rig measured.
type FitSample struct {
	Depth      float64 `json:"depth"`
	Confidence float64 `json:"confidence"`
	Measured   float64 `json:"measured"`
	Truth      float64 `json:"truth"`
}

// AbsError is the observed absolute depth error the model should predict.
func (s FitSample) AbsError() float64 {
	return math.Abs(s.Measured - s.Truth)
}

// FitResult is the outcome of one calibration run.
type FitResult struct {
	Params      Params  `json:"params"`
	FitQuality  float64 `json:"fit_quality"`
	OutlierRate float64 `json:"outlier_rate"`
	ResidualMAD float64 `json:"residual_mad"`
	Samples     int     `json:"samples"`
	Iterations  int     `json:"iterations"`

	// Valid marks the fit installable. Invalid fits are recorded for
	// diagnosis but never replace the live parameters.
	Valid bool `json:"valid"`
}

// Fit runs an IRLS fit of the noise parameters against ground-truth
// triples: Huber-weighted squared residuals between observed absolute
// error and predicted sigma, minimized by fixed-rate gradient descent with
// per-iteration range clamping. Too few samples returns
// fusion.ErrInsufficientData and leaves the prior untouched.
func Fit(samples []FitSample, prior Params, cfg FitConfig) (FitResult, error) {
	n := len(samples)
	if n < cfg.MinSamples {
		return FitResult{Params: prior, Samples: n},
			fmt.Errorf("%w: have %d triples, need %d", fusion.ErrInsufficientData, n, cfg.MinSamples)
	}

	be := detmath.Float()
	p := prior.Clamped()
	iterations := 0

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		iterations = iter + 1

		var gBase, gAlpha, gBeta float64
		for _, s := range samples {
			pred := sigmaWith(be, p, s.Depth, s.Confidence)
			r := s.AbsError() - pred
			w := huberWeight(r, cfg.HuberDelta)

			// a floored prediction has zero gradient in every parameter
			if pred <= p.SigmaFloor {
				continue
			}
			confEff := s.Confidence
			if confEff < MinConfidenceEffect {
				confEff = MinConfidenceEffect
			}
			discount := 1 - p.Beta*confEff
			if discount <= 1e-9 {
				continue
			}
			d := s.Depth
			if d < minDepth {
				d = minDepth
			}
			lnD := be.Log(d / RefDepth)

			// dLoss/dtheta for loss = sum w*(absErr - pred)^2
			common := -2 * w * r
			gBase += common * (pred / p.SigmaBase)
			gAlpha += common * (pred * lnD)
			gBeta += common * (-pred * confEff / discount)
		}
		gBase /= float64(n)
		gAlpha /= float64(n)
		gBeta /= float64(n)

		next := Params{
			SigmaBase:  p.SigmaBase - cfg.LearnRate*gBase,
			Alpha:      p.Alpha - cfg.LearnRate*gAlpha,
			Beta:       p.Beta - cfg.LearnRate*gBeta,
			SigmaFloor: p.SigmaFloor,
		}.Clamped()

		dBase := math.Abs(next.SigmaBase - p.SigmaBase)
		dAlpha := math.Abs(next.Alpha - p.Alpha)
		dBeta := math.Abs(next.Beta - p.Beta)
		p = next

		if dBase < cfg.ConvergeEps && dAlpha < cfg.ConvergeEps && dBeta < cfg.ConvergeEps {
			break
		}
	}

	// classify outliers on the final residuals
	residuals := make([]float64, n)
	for i, s := range samples {
		residuals[i] = s.AbsError() - sigmaWith(be, p, s.Depth, s.Confidence)
	}
	mad := medianAbsDeviation(residuals)
	cutoff := cfg.OutlierMADs * mad
	outliers := 0
	for _, r := range residuals {
		if math.Abs(r) > cutoff {
			outliers++
		}
	}
	rate := float64(outliers) / float64(n)

	quality := 1 - math.Min(2*rate, 1)
	return FitResult{
		Params:      p,
		FitQuality:  quality,
		OutlierRate: rate,
		ResidualMAD: mad,
		Samples:     n,
		Iterations:  iterations,
		Valid:       rate < cfg.MaxOutlierRate,
	}, nil
}

// huberWeight is 1 inside delta and delta/|r| outside, so far-out samples
// contribute bounded gradient.
func huberWeight(r, delta float64) float64 {
	ar := math.Abs(r)
	if ar <= delta {
		return 1
	}
	return delta / ar
}

// medianAbsDeviation is the MAD around the median. A degenerate spread
// returns a tiny positive scale so the outlier cutoff stays meaningful.
func medianAbsDeviation(residuals []float64) float64 {
	sorted := append([]float64(nil), residuals...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	devs := make([]float64, len(residuals))
	for i, r := range residuals {
		devs[i] = math.Abs(r - med)
	}
	sort.Float64s(devs)
	mad := stat.Quantile(0.5, stat.Empirical, devs, nil)
	if mad <= 0 {
		return 1e-12
	}
	return mad
}
