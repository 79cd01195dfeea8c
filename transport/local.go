package transport

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Transport connecting N ranks that live as
// goroutines of a single process. It is the transport used by this
// module's tests and by cmd/itoyori-demo, the same way bigslice's
// exec.Local stands in for a full bigmachine cluster in tests.
type Local struct {
	rank  int
	hub   *localHub
}

// localHub is shared by every rank's *Local and holds all mailboxes,
// windows, and the barrier state.
type localHub struct {
	nRanks int

	mu      sync.Mutex
	inboxes []map[string][][]byte // [rank][tag] -> queued payloads
	waiters []map[string][]chan struct{}
	windows []map[Window][]byte

	barrierMu    sync.Mutex
	barrierCount int
	barrierGen   int
	barrierCond  *sync.Cond
}

// NewLocalCluster returns nRanks Transports that communicate in-process.
func NewLocalCluster(nRanks int) []*Local {
	if nRanks <= 0 {
		panic("transport: NewLocalCluster requires nRanks > 0")
	}
	hub := &localHub{
		nRanks:  nRanks,
		inboxes: make([]map[string][][]byte, nRanks),
		waiters: make([]map[string][]chan struct{}, nRanks),
		windows: make([]map[Window][]byte, nRanks),
	}
	hub.barrierCond = sync.NewCond(&hub.barrierMu)
	for r := 0; r < nRanks; r++ {
		hub.inboxes[r] = make(map[string][][]byte)
		hub.waiters[r] = make(map[string][]chan struct{})
		hub.windows[r] = make(map[Window][]byte)
	}
	ts := make([]*Local, nRanks)
	for r := 0; r < nRanks; r++ {
		ts[r] = &Local{rank: r, hub: hub}
	}
	return ts
}

func (l *Local) MyRank() int { return l.rank }
func (l *Local) NRanks() int { return l.hub.nRanks }

func (l *Local) Send(ctx context.Context, rank int, tag string, payload []byte) error {
	h := l.hub
	h.mu.Lock()
	cp := append([]byte(nil), payload...)
	h.inboxes[rank][tag] = append(h.inboxes[rank][tag], cp)
	waiters := h.waiters[rank][tag]
	h.waiters[rank][tag] = nil
	h.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	return nil
}

func (l *Local) TryRecv(tag string) ([]byte, bool) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.inboxes[l.rank][tag]
	if len(q) == 0 {
		return nil, false
	}
	msg := q[0]
	h.inboxes[l.rank][tag] = q[1:]
	return msg, true
}

func (l *Local) Recv(ctx context.Context, tag string) ([]byte, error) {
	for {
		if msg, ok := l.TryRecv(tag); ok {
			return msg, nil
		}
		h := l.hub
		h.mu.Lock()
		// Re-check under lock in case a Send raced us between TryRecv
		// and acquiring the lock here.
		q := h.inboxes[l.rank][tag]
		if len(q) > 0 {
			msg := q[0]
			h.inboxes[l.rank][tag] = q[1:]
			h.mu.Unlock()
			return msg, nil
		}
		wait := make(chan struct{})
		h.waiters[l.rank][tag] = append(h.waiters[l.rank][tag], wait)
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Local) RegisterWindow(name Window, size int) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows[l.rank][name] = make([]byte, size)
	return nil
}

func (l *Local) window(rank int, win Window, offset, size int) ([]byte, error) {
	h := l.hub
	buf, ok := h.windows[rank][win]
	if !ok {
		return nil, fmt.Errorf("transport: rank %d has no window %q", rank, win)
	}
	if offset < 0 || offset+size > len(buf) {
		return nil, fmt.Errorf("transport: window %q access [%d, %d) out of bounds (size %d)", win, offset, offset+size, len(buf))
	}
	return buf, nil
}

func (l *Local) Get(ctx context.Context, rank int, win Window, offset int, dst []byte) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := l.window(rank, win, offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, buf[offset:offset+len(dst)])
	return nil
}

func (l *Local) Put(ctx context.Context, rank int, win Window, offset int, src []byte) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := l.window(rank, win, offset, len(src))
	if err != nil {
		return err
	}
	copy(buf[offset:offset+len(src)], src)
	return nil
}

func (l *Local) FetchAddInt64(ctx context.Context, rank int, win Window, offset int, delta int64) (int64, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := l.window(rank, win, offset, 8)
	if err != nil {
		return 0, err
	}
	old := decodeInt64(buf[offset : offset+8])
	encodeInt64(buf[offset:offset+8], old+delta)
	return old, nil
}

func (l *Local) CASInt64(ctx context.Context, rank int, win Window, offset int, old, new int64) (int64, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := l.window(rank, win, offset, 8)
	if err != nil {
		return 0, err
	}
	cur := decodeInt64(buf[offset : offset+8])
	if cur == old {
		encodeInt64(buf[offset:offset+8], new)
	}
	return cur, nil
}

func (l *Local) GetInt64(ctx context.Context, rank int, win Window, offset int) (int64, error) {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := l.window(rank, win, offset, 8)
	if err != nil {
		return 0, err
	}
	return decodeInt64(buf[offset : offset+8]), nil
}

func (l *Local) PutInt64(ctx context.Context, rank int, win Window, offset int, value int64) error {
	h := l.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, err := l.window(rank, win, offset, 8)
	if err != nil {
		return err
	}
	encodeInt64(buf[offset:offset+8], value)
	return nil
}

func (l *Local) Barrier(ctx context.Context) error {
	h := l.hub
	h.barrierMu.Lock()
	gen := h.barrierGen
	h.barrierCount++
	if h.barrierCount == h.nRanks {
		h.barrierCount = 0
		h.barrierGen++
		h.barrierCond.Broadcast()
	} else {
		for h.barrierGen == gen {
			h.barrierCond.Wait()
		}
	}
	h.barrierMu.Unlock()
	return ctx.Err()
}

type localBarrierHandle struct {
	hub *localHub
	gen int
}

func (l *Local) BarrierAsync(ctx context.Context) (BarrierHandle, error) {
	h := l.hub
	h.barrierMu.Lock()
	gen := h.barrierGen
	h.barrierCount++
	if h.barrierCount == h.nRanks {
		h.barrierCount = 0
		h.barrierGen++
		h.barrierCond.Broadcast()
	}
	h.barrierMu.Unlock()
	return &localBarrierHandle{hub: h, gen: gen}, ctx.Err()
}

func (b *localBarrierHandle) Test() bool {
	b.hub.barrierMu.Lock()
	defer b.hub.barrierMu.Unlock()
	return b.hub.barrierGen > b.gen
}

func decodeInt64(b []byte) int64 {
	var v int64
	for i := 7; i >= 0; i-- {
		v = v<<8 | int64(b[i])
	}
	return v
}

func encodeInt64(b []byte, v int64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
