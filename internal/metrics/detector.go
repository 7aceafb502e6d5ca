// internal/metrics/detector.go
package metrics

import (
	"math"
	"time"

	"github.com/xkilldash9x/mender/internal/models"
)

// minSamples is how many prior samples a metric needs before it can be flagged.
const minSamples = 5

// Detector flags samples that sit more than sigma standard deviations away
// from the mean of the preceding window. It is not safe for concurrent use;
// Registry serializes access.
type Detector struct {
	window int
	sigma  float64
	series map[string]*ring
}

// NewDetector creates a detector. Non-positive arguments fall back to a
// 30-sample window and 3 sigma.
func NewDetector(window int, sigma float64) *Detector {
	if window < minSamples {
		window = 30
	}
	if sigma <= 0 {
		sigma = 3
	}
	return &Detector{window: window, sigma: sigma, series: make(map[string]*ring)}
}

// Observe evaluates value against the metric's history and then records it.
func (d *Detector) Observe(metric string, value float64, at time.Time) *models.Anomaly {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	r, ok := d.series[metric]
	if !ok {
		r = newRing(d.window)
		d.series[metric] = r
	}

	var anomaly *models.Anomaly
	if r.len() >= minSamples {
		mean, std := r.stats()
		if std > 0 && math.Abs(value-mean) > d.sigma*std {
			anomaly = &models.Anomaly{
				Metric:     metric,
				Mean:       mean,
				StdDev:     std,
				Value:      value,
				DetectedAt: at,
			}
		}
	}
	r.push(value)
	return anomaly
}

// Reset drops all history.
func (d *Detector) Reset() {
	d.series = make(map[string]*ring)
}

type ring struct {
	buf   []float64
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) len() int { return r.count }

// stats returns the population mean and standard deviation of the window.
func (r *ring) stats() (mean, std float64) {
	if r.count == 0 {
		return 0, 0
	}
	for i := 0; i < r.count; i++ {
		mean += r.buf[i]
	}
	mean /= float64(r.count)
	var sq float64
	for i := 0; i < r.count; i++ {
		d := r.buf[i] - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(r.count))
}
