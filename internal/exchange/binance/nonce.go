package binance

import (
	"sync"
	"time"
)

// nonceSource hands out strictly increasing millisecond timestamps even when
// several requests are signed within the same millisecond or the wall clock
// steps backwards.
type nonceSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func newNonceSource() *nonceSource {
	return &nonceSource{now: time.Now}
}

func (n *nonceSource) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts := n.now().UnixMilli()
	if ts <= n.last {
		ts = n.last + 1
	}
	n.last = ts
	return ts
}
