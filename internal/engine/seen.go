package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

const (
	seenTrackerMaxEntries = 10000
	seenTrackerTTL        = 24 * time.Hour
)

// seenTracker remembers recently processed fill keys, bounded by size and age.
type seenTracker struct {
	items map[string]time.Time
	queue []seenEntry
	max   int
	ttl   time.Duration
}

type seenEntry struct {
	key string
	at  time.Time
}

func newSeenTracker(max int, ttl time.Duration) *seenTracker {
	if max < 1 {
		max = 1
	}
	if ttl <= 0 {
		ttl = seenTrackerTTL
	}
	return &seenTracker{
		items: make(map[string]time.Time, max),
		max:   max,
		ttl:   ttl,
	}
}

// Seen records key and reports whether it was already present.
func (s *seenTracker) Seen(key string, now time.Time) bool {
	if s == nil || key == "" {
		return false
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.prune(now)
	if _, ok := s.items[key]; ok {
		return true
	}
	s.items[key] = now
	s.queue = append(s.queue, seenEntry{key: key, at: now})
	s.prune(now)
	return false
}

func (s *seenTracker) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

func (s *seenTracker) prune(now time.Time) {
	expireBefore := now.Add(-s.ttl)
	for len(s.queue) > 0 {
		head := s.queue[0]
		ts, ok := s.items[head.key]
		if !ok || !ts.Equal(head.at) {
			s.queue = s.queue[1:]
			continue
		}
		if ts.Before(expireBefore) || len(s.items) > s.max {
			delete(s.items, head.key)
			s.queue = s.queue[1:]
			continue
		}
		break
	}
}

// fillKey identifies one execution. Without a trade id the key falls back to
// the execution's time, price and quantity.
func fillKey(f core.FillEvent) string {
	if f.OrderID == "" {
		return ""
	}
	if f.TradeID != "" {
		return "order:" + f.OrderID + "|trade:" + f.TradeID
	}
	key := "order:" + f.OrderID + "|status:" + string(f.Status)
	if !f.Time.IsZero() {
		key += "|time:" + f.Time.UTC().Format(time.RFC3339Nano)
	}
	if f.Price.Cmp(decimal.Zero) > 0 {
		key += "|price:" + f.Price.String()
	}
	if f.Qty.Cmp(decimal.Zero) > 0 {
		key += "|qty:" + f.Qty.String()
	}
	return key
}
