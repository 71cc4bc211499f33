// Package presence derives the online/offline label of a tracker from the
// age of its latest report. Nothing here is stored; callers evaluate on read.
package presence

import "time"

// Threshold is the maximum report age for which a tracker is still online.
const Threshold = 60 * time.Second

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Of returns Online iff now - last <= Threshold. Reports stamped in the
// future relative to now count as online.
func Of(now, last time.Time) Status {
	if now.Sub(last) <= Threshold {
		return Online
	}
	return Offline
}

// OfOptional treats a missing report as Offline.
func OfOptional(now time.Time, last *time.Time) Status {
	if last == nil {
		return Offline
	}
	return Of(now, *last)
}

// Batch evaluates every timestamp against the same now so a single response
// never mixes two clocks.
func Batch(now time.Time, lasts map[uint64]*time.Time) map[uint64]Status {
	out := make(map[uint64]Status, len(lasts))
	for id, last := range lasts {
		out[id] = OfOptional(now, last)
	}
	return out
}
