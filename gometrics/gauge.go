package gometrics

import "sync/atomic"

// gauge tracks a level that go-metrics sinks only accept as absolute
// values.
type gauge struct {
	v atomic.Int64
}

func (g *gauge) add(delta int64) float32 {
	return float32(g.v.Add(delta))
}
