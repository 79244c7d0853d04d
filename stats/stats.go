package stats

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	Epsilon = 1e-6
)

func FuzzyEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// Statistic is a running summary of a stream of samples: collection pause
// lengths, entries freed per pass, boards searched per second.
type Statistic struct {
	n    int
	last float64
	sum  float64
	min  float64
	max  float64

	// Welford's running mean and sum of squared deviations.
	mean float64
	m2   float64
}

func (s *Statistic) Push(val float64) {
	s.last = val
	s.sum += val
	s.n++
	if s.n == 1 {
		s.mean = val
		s.m2 = 0
		s.min, s.max = val, val
		return
	}
	s.min = math.Min(s.min, val)
	s.max = math.Max(s.max, val)
	delta := val - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (val - s.mean)
}

// PushDuration records d in seconds.
func (s *Statistic) PushDuration(d time.Duration) {
	s.Push(d.Seconds())
}

func (s *Statistic) Mean() float64 {
	return s.mean
}

func (s *Statistic) Variance() float64 {
	if s.n <= 1 {
		return 0.0
	}
	return s.m2 / float64(s.n-1)
}

func (s *Statistic) Stdev() float64 {
	return math.Sqrt(s.Variance())
}

func (s *Statistic) StandardError() float64 {
	if s.n == 0 {
		return 0.0
	}
	return math.Sqrt(s.Variance() / float64(s.n))
}

func (s *Statistic) Last() float64 { return s.last }
func (s *Statistic) Sum() float64 { return s.sum }
func (s *Statistic) Min() float64 { return s.min }
func (s *Statistic) Max() float64 { return s.max }
func (s *Statistic) Count() int { return s.n }

// Interval returns the two-sided confidence interval around the mean at
// the given confidence level, in percent.
func (s *Statistic) Interval(confidence float64) (lo, hi float64) {
	half := ZVal(confidence) * s.StandardError()
	return s.mean - half, s.mean + half
}

// ZVal returns the two-tailed Z-value for a confidence level in percent.
func ZVal(confidence float64) float64 {
	dist := distuv.Normal{Mu: 0, Sigma: 1}
	return dist.Quantile((1 + confidence/100) / 2)
}

// Summary is a plain copy of a Statistic suitable for YAML output.
type Summary struct {
	Count int     `yaml:"count"`
	Mean  float64 `yaml:"mean"`
	Stdev float64 `yaml:"stdev"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Sum   float64 `yaml:"sum"`
}

func (s *Statistic) Summary() Summary {
	return Summary{
		Count: s.n,
		Mean:  s.mean,
		Stdev: s.Stdev(),
		Min:   s.min,
		Max:   s.max,
		Sum:   s.sum,
	}
}
