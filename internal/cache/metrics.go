package cache

import "sync/atomic"

// Recorder counts lookups by outcome. It is safe for concurrent use; a
// snapshot taken during concurrent increments reflects some interleaving of
// them, and each counter is read atomically.
type Recorder struct {
	firstTierHits  atomic.Int64
	secondTierHits atomic.Int64
	misses         atomic.Int64
}

type Snapshot struct {
	FirstTierHits  int64 `json:"tier1_hits"`
	SecondTierHits int64 `json:"tier2_hits"`
	Misses         int64 `json:"misses"`
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) RecordFirstTierHit() {
	r.firstTierHits.Add(1)
}

func (r *Recorder) RecordSecondTierHit() {
	r.secondTierHits.Add(1)
}

func (r *Recorder) RecordMiss() {
	r.misses.Add(1)
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		FirstTierHits:  r.firstTierHits.Load(),
		SecondTierHits: r.secondTierHits.Load(),
		Misses:         r.misses.Load(),
	}
}

func (r *Recorder) Reset() {
	r.firstTierHits.Store(0)
	r.secondTierHits.Store(0)
	r.misses.Store(0)
}

func (s Snapshot) Total() int64 {
	return s.FirstTierHits + s.SecondTierHits + s.Misses
}

// HitRate is the share of lookups served by either tier, 0 when nothing was
// recorded.
func (s Snapshot) HitRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.FirstTierHits+s.SecondTierHits) / float64(total)
}
