package stats

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestRunningStat(t *testing.T) {
	is := is.New(t)
	type tc struct {
		samples []float64
		mean    float64
		stdev   float64
		min     float64
		max     float64
	}
	cases := []tc{
		{[]float64{10, 12, 23, 23, 16, 23, 21, 16}, 18, 5.2372293656638, 10, 23},
		{[]float64{14, 35, 71, 124, 10, 24, 55, 33, 87, 19}, 47.2, 36.937785531891, 10, 124},
		{[]float64{1}, 1, 0, 1, 1},
		{[]float64{}, 0, 0, 0, 0},
		{[]float64{1, 1}, 1, 0, 1, 1},
	}
	for _, c := range cases {
		s := &Statistic{}
		for _, v := range c.samples {
			s.Push(v)
		}
		is.True(FuzzyEqual(s.Mean(), c.mean))
		is.True(FuzzyEqual(s.Stdev(), c.stdev))
		is.Equal(s.Min(), c.min)
		is.Equal(s.Max(), c.max)
		is.Equal(s.Count(), len(c.samples))
	}
}

func TestPushDuration(t *testing.T) {
	is := is.New(t)
	s := &Statistic{}
	s.PushDuration(1500 * time.Millisecond)
	s.PushDuration(500 * time.Millisecond)
	is.True(FuzzyEqual(s.Mean(), 1.0))
	is.True(FuzzyEqual(s.Sum(), 2.0))
	is.True(FuzzyEqual(s.Last(), 0.5))
}

func TestInterval(t *testing.T) {
	is := is.New(t)
	is.True(FuzzyEqual(ZVal(95), 1.959963984540054))
	s := &Statistic{}
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Push(v)
	}
	lo, hi := s.Interval(95)
	is.True(lo < s.Mean())
	is.True(hi > s.Mean())
	is.True(FuzzyEqual(hi-s.Mean(), s.Mean()-lo))
}
