package feedback

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SettleTolerance is the distance from the target, in positions, within
// which a servo counts as settled.
const SettleTolerance = 2

// ErrEmptyTrace is returned when a trace has no samples.
var ErrEmptyTrace = errors.New("feedback: trace has no samples")

// Report summarizes how well a servo followed its planned motion.
type Report struct {
	Samples int `json:"samples"`
	// MeanError and StdDevError describe current minus planned position.
	MeanError   float64 `json:"meanError"`
	StdDevError float64 `json:"stdDevError"`
	RMSError    float64 `json:"rmsError"`
	MaxError    float64 `json:"maxError"`
	// Overshoot is how far the servo went past the target.
	Overshoot int `json:"overshoot"`
	// SettleMs is the time of the first sample after which the servo stayed
	// within SettleTolerance of the target, or -1.
	SettleMs int `json:"settleMs"`
}

// Analyze computes the tracking report of a trace.
func Analyze(tr Trace) (Report, error) {
	if len(tr.Samples) == 0 {
		return Report{}, ErrEmptyTrace
	}
	errs := make([]float64, len(tr.Samples))
	squares := make([]float64, len(tr.Samples))
	r := Report{Samples: len(tr.Samples), SettleMs: -1}
	for i, s := range tr.Samples {
		e := float64(s.Current - s.Planned)
		errs[i] = e
		squares[i] = e * e
		r.MaxError = math.Max(r.MaxError, math.Abs(e))

		past := s.Current - tr.To
		if tr.To < tr.From {
			past = -past
		}
		r.Overshoot = max(r.Overshoot, past)
	}
	r.MeanError, r.StdDevError = stat.MeanStdDev(errs, nil)
	if len(errs) < 2 {
		r.StdDevError = 0
	}
	r.RMSError = math.Sqrt(stat.Mean(squares, nil))

	for i := len(tr.Samples) - 1; i >= 0; i-- {
		s := tr.Samples[i]
		if abs(s.Current-tr.To) > SettleTolerance {
			break
		}
		r.SettleMs = s.Ms
	}
	return r, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Plot writes a PNG chart of the current, written and planned positions of
// a trace to path.
func Plot(tr Trace, path string) error {
	if len(tr.Samples) == 0 {
		return ErrEmptyTrace
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s %d -> %d (speed %.2f)", tr.Servo, tr.From, tr.To, tr.SpeedRate)
	p.X.Label.Text = "ms"
	p.Y.Label.Text = "position"

	current := make(plotter.XYs, len(tr.Samples))
	written := make(plotter.XYs, len(tr.Samples))
	planned := make(plotter.XYs, len(tr.Samples))
	for i, s := range tr.Samples {
		x := float64(s.Ms)
		current[i] = plotter.XY{X: x, Y: float64(s.Current)}
		written[i] = plotter.XY{X: x, Y: float64(s.Write)}
		planned[i] = plotter.XY{X: x, Y: float64(s.Planned)}
	}
	if err := plotutil.AddLines(p, "current", current, "write", written, "planned", planned); err != nil {
		return errors.Wrap(err, "add lines")
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
