package home

import (
	"context"
	"sync"
)

// MemBacking is an in-memory Backing for tests and the demo CLI. A
// production deployment would back Backing with a transport.Transport
// window shared across ranks; origin-layer wiring is explicitly out of
// scope per the specification.
type MemBacking struct {
	blockSize int

	mu     sync.Mutex
	blocks map[BlockID][]byte
}

// NewMemBacking creates a MemBacking whose blocks are freshly zeroed on
// first Load.
func NewMemBacking(blockSize int) *MemBacking {
	return &MemBacking{blockSize: blockSize, blocks: make(map[BlockID][]byte)}
}

// Load returns id's bytes, allocating and zeroing them on first access.
func (b *MemBacking) Load(_ context.Context, id BlockID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blocks[id]
	if !ok {
		data = make([]byte, b.blockSize)
		b.blocks[id] = data
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Store persists data as id's bytes.
func (b *MemBacking) Store(_ context.Context, id BlockID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	b.blocks[id] = stored
	return nil
}
