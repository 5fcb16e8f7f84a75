package ctfeed

import (
	"context"
	"log"
	"sync"
)

// batcher accumulates decoded CertRecords behind a single mutex and flushes
// them to the store adapter on size, idle, or shutdown triggers: swap the
// buffer out and clear it under lock, then hand the swapped-out batch to a
// single bulk upsert call.
type batcher struct {
	mu      sync.Mutex
	buffer  []CertRecord
	size    int
	store   Store
	onFlush func(inserted int, err error)
}

func newBatcher(store Store, size int, onFlush func(inserted int, err error)) *batcher {
	return &batcher{
		buffer:  make([]CertRecord, 0, size),
		size:    size,
		store:   store,
		onFlush: onFlush,
	}
}

// Add appends one record, flushing immediately if the buffer has reached
// its size trigger. Within a single flush, a later record with the same
// SubjectCN as an earlier one wins: the buffer preserves insertion order
// and BulkUpsert dedupes by SubjectCN before writing, keeping the last one.
func (b *batcher) Add(record CertRecord) {
	b.mu.Lock()
	b.buffer = append(b.buffer, record)
	shouldFlush := len(b.buffer) >= b.size
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

// SignalIdle is the worker's idle-timeout notification: if there is
// anything sitting in the buffer, flush it now rather than waiting for the
// size trigger to be reached, which it may never be during a quiet period.
func (b *batcher) SignalIdle() {
	b.mu.Lock()
	hasData := len(b.buffer) > 0
	b.mu.Unlock()

	if hasData {
		b.flush()
	}
}

// ForceFlush is called by the supervisor during shutdown to drain any
// remaining buffered records before the store adapter is torn down.
func (b *batcher) ForceFlush() {
	b.flush()
}

func (b *batcher) flush() {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	pool := make([]CertRecord, len(b.buffer))
	copy(pool, b.buffer)
	b.buffer = b.buffer[:0]
	b.mu.Unlock()

	inserted, err := b.store.BulkUpsert(context.Background(), pool)
	if err != nil {
		// The CT source is authoritative and idempotent: dropping a failed
		// batch rather than requeuing is safe because the next rotation of
		// any affected subject_cn will land it again.
		log.Printf("batcher: bulk_upsert of %d records failed, dropping batch: %v", len(pool), err)
		reportBatchError(err, 0.1)
	}

	if b.onFlush != nil {
		b.onFlush(inserted, err)
	}
}
