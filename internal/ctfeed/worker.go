package ctfeed

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

const workerPopTimeout = 2 * time.Second

// runWorker pops RawEntrys off the shared ingress queue, decodes them, and
// forwards decoded records to the batcher. A queue-pop timeout doubles as
// the idle-flush signal the batcher needs when no worker has anything new
// to hand off.
func runWorker(ctx context.Context, id int, queue *ingressQueue, batcher *batcher, errorCount *int64) {
	for {
		if ctx.Err() != nil {
			return
		}

		entry, ok := queue.TryPop(workerPopTimeout)
		if !ok {
			batcher.SignalIdle()
			continue
		}

		record := decode(entry)
		if record == nil {
			n := atomic.AddInt64(errorCount, 1)
			if n%1000 == 0 {
				log.Printf("worker[%d]: %d codec errors so far", id, n)
			}
			continue
		}

		batcher.Add(*record)
	}
}
