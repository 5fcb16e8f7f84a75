package ctfeed

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

// buildValidLeafInput assembles a base64 leaf_input that decode() can fully
// parse: a self-signed certificate with the given CommonName wrapped in a
// Merkle Tree Leaf header (Version, MerkleLeafType, Timestamp, LogEntryType,
// then a length-prefixed X509 Certificate), the same shape
// TestRawHeaderFallbackStructuredX509 exercises against a synthetic DER
// blob, but here with a real, parseable certificate.
func buildValidLeafInput(t *testing.T, cn string) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	var buf []byte
	buf = append(buf, 0x01, 0x00) // Version, MerkleLeafType
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(time.Now().UnixMilli()))
	buf = append(buf, ts...)
	buf = append(buf, 0x00, 0x00) // LogEntryType = X509LogEntryType
	length := len(der)
	buf = append(buf, byte(length>>16), byte(length>>8), byte(length))
	buf = append(buf, der...)

	return base64.StdEncoding.EncodeToString(buf)
}

// TestRunWorkerMixedValidAndInvalidEntries exercises malformed-entry
// tolerance: a queue seeded with 7 decodable entries and 3 undecodable ones
// must land exactly 7 records in the batcher and bump errorCount by exactly
// 3, without the worker goroutine dying.
func TestRunWorkerMixedValidAndInvalidEntries(t *testing.T) {
	queue := newIngressQueue(10)

	invalidIndices := map[int]bool{2: true, 5: true, 8: true}

	valid := 0
	for i := 0; i < 10; i++ {
		if invalidIndices[i] {
			// Undecodable: not valid base64.
			queue.entries <- RawEntry{LeafInput: "not-valid-base64!!", LogURL: "example.test/log", Index: int64(i)}
			continue
		}
		valid++
		leaf := buildValidLeafInput(t, "worker-test.example.com")
		queue.entries <- RawEntry{LeafInput: leaf, LogURL: "example.test/log", Index: int64(i)}
	}
	if valid != 7 {
		t.Fatalf("test setup produced %d valid entries, want 7", valid)
	}

	store := newMemStore()
	var flushed int
	batcher := newBatcher(store, 100, func(inserted int, err error) {
		if err == nil {
			flushed += inserted
		}
	})

	var errorCount int64
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		runWorker(ctx, 0, queue, batcher, &errorCount)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for queue.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for queue to drain")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	// runWorker only checks ctx at the top of its loop; a TryPop call
	// already in flight can take up to workerPopTimeout to return before
	// that check is reached, so allow comfortably more than that.
	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("runWorker did not exit after context cancellation")
	}

	batcher.ForceFlush()

	if got := atomic.LoadInt64(&errorCount); got != 3 {
		t.Fatalf("errorCount = %d, want 3", got)
	}
	if flushed != 7 {
		t.Fatalf("flushed records = %d, want 7", flushed)
	}
	if snap := store.snapshot(); len(snap) != 1 {
		t.Fatalf("expected 1 distinct subject_cn in store, got %d", len(snap))
	}
}
