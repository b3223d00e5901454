package detector

import (
	"sort"
	"time"
)

// point is a single (ts, value) sample inside a TimeSeriesBuffer.
type point struct {
	ts    time.Time
	value float64
}

// key identifies a per-(service, metric) buffer.
type key struct {
	Service string
	Metric  string
}

// Retention is the trailing window a TimeSeriesBuffer keeps (SPEC_FULL §3).
const Retention = 24 * time.Hour

// buffer is the bounded, ordered per-(service, metric) time series the
// detector sweeps on every incoming point. Single-writer discipline: owned
// exclusively by the metrics consumer goroutine (SPEC_FULL §5, §9), so no
// locking is needed here.
type buffer struct {
	points []point
}

// append inserts a point keeping the buffer sorted non-decreasing by ts and
// prunes entries older than Retention relative to the newest point.
func (b *buffer) append(ts time.Time, value float64) {
	b.points = append(b.points, point{ts: ts, value: value})
	if !sort.SliceIsSorted(b.points, func(i, j int) bool { return b.points[i].ts.Before(b.points[j].ts) }) {
		sort.SliceStable(b.points, func(i, j int) bool { return b.points[i].ts.Before(b.points[j].ts) })
	}
	b.prune()
}

func (b *buffer) prune() {
	if len(b.points) == 0 {
		return
	}
	cutoff := b.points[len(b.points)-1].ts.Add(-Retention)
	idx := 0
	for idx < len(b.points) && b.points[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.points = append([]point(nil), b.points[idx:]...)
	}
}

func (b *buffer) len() int { return len(b.points) }
