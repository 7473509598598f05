package services

import (
	"time"

	"ringline/internal/core/domain"
)

// IceCandidateQueue holds remote candidates until the peer connection has a
// remote description. It is drained once; afterwards Push refuses and the
// caller applies candidates directly.
type IceCandidateQueue struct {
	pending []domain.ICECandidate
	drained bool
}

func NewIceCandidateQueue() *IceCandidateQueue {
	return &IceCandidateQueue{}
}

// Push queues c and reports whether it was queued.
func (q *IceCandidateQueue) Push(c domain.ICECandidate) bool {
	if q.drained {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

// Drain hands every queued candidate to apply in arrival order, then marks
// the queue drained. Apply errors are collected and do not stop the replay.
func (q *IceCandidateQueue) Drain(apply func(domain.ICECandidate) error) []error {
	if q.drained {
		return nil
	}
	pending := q.pending
	q.pending = nil
	q.drained = true

	var errs []error
	for _, c := range pending {
		if err := apply(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (q *IceCandidateQueue) Len() int {
	return len(q.pending)
}

func (q *IceCandidateQueue) Drained() bool {
	return q.drained
}

// Clear discards queued candidates without applying them.
func (q *IceCandidateQueue) Clear() {
	q.pending = nil
	q.drained = true
}

type orphanBucket struct {
	firstSeen  time.Time
	candidates []domain.ICECandidate
}

// orphanCandidates keeps candidates that arrived before the offer they belong
// to, per sender. A bucket lives at most ttl from its first candidate and
// holds at most max entries; the oldest are dropped first.
type orphanCandidates struct {
	ttl     time.Duration
	max     int
	buckets map[domain.UserID]*orphanBucket
}

func newOrphanCandidates(ttl time.Duration, max int) *orphanCandidates {
	return &orphanCandidates{
		ttl:     ttl,
		max:     max,
		buckets: make(map[domain.UserID]*orphanBucket),
	}
}

// Add returns the number of candidates evicted to make room.
func (o *orphanCandidates) Add(sender domain.UserID, c domain.ICECandidate, now time.Time) int {
	o.Prune(now)
	b, ok := o.buckets[sender]
	if !ok {
		b = &orphanBucket{firstSeen: now}
		o.buckets[sender] = b
	}
	b.candidates = append(b.candidates, c)

	evicted := 0
	if over := len(b.candidates) - o.max; over > 0 {
		b.candidates = append([]domain.ICECandidate(nil), b.candidates[over:]...)
		evicted = over
	}
	return evicted
}

// Take removes and returns the sender's candidates if they are still fresh.
func (o *orphanCandidates) Take(sender domain.UserID, now time.Time) []domain.ICECandidate {
	b, ok := o.buckets[sender]
	if !ok {
		return nil
	}
	delete(o.buckets, sender)
	if now.Sub(b.firstSeen) > o.ttl {
		return nil
	}
	return b.candidates
}

func (o *orphanCandidates) Forget(sender domain.UserID) {
	delete(o.buckets, sender)
}

func (o *orphanCandidates) Prune(now time.Time) {
	for sender, b := range o.buckets {
		if now.Sub(b.firstSeen) > o.ttl {
			delete(o.buckets, sender)
		}
	}
}

func (o *orphanCandidates) Len() int {
	n := 0
	for _, b := range o.buckets {
		n += len(b.candidates)
	}
	return n
}
