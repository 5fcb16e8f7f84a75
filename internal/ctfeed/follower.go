package ctfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const (
	followerNetworkCooldown = 300 * time.Second
	followerChunkCooldown   = 60 * time.Second
)

type sthResponse struct {
	TreeSize int64 `json:"tree_size"`
}

type getEntriesResponse struct {
	Entries []struct {
		LeafInput string `json:"leaf_input"`
		ExtraData string `json:"extra_data"`
	} `json:"entries"`
}

// cursorLoaderSaver is the narrow persistence contract a follower needs
// for its latest_size cursor. *cursorStore (Consul-backed) satisfies it in
// production; tests substitute an in-memory implementation.
type cursorLoaderSaver interface {
	load(logURL string) (int64, bool, error)
	save(logURL string, treeSize int64) error
}

// follower owns one CT log: it polls get-sth, and on growth issues
// paginated get-entries requests, pushing each RawEntry onto the shared
// ingress queue. One follower runs per LogSource for the supervisor's
// lifetime.
type follower struct {
	source       LogSource
	client       *http.Client
	queue        *ingressQueue
	cursors      cursorLoaderSaver
	maxBlock     int64
	pollInterval time.Duration
}

func newFollower(source LogSource, client *http.Client, queue *ingressQueue, cursors cursorLoaderSaver, maxBlock int64, pollInterval time.Duration) *follower {
	return &follower{source: source, client: client, queue: queue, cursors: cursors, maxBlock: maxBlock, pollInterval: pollInterval}
}

// Run blocks until ctx is canceled. It never returns an error: every
// failure is absorbed into the cooldown policy below, because one
// misbehaving log must never take down the others.
func (f *follower) Run(ctx context.Context) {
	latestSize, found, err := f.cursors.load(f.source.URL)
	if err != nil {
		log.Printf("follower[%s]: failed to load saved cursor, starting cold: %v", f.source.URL, err)
	}
	if !found {
		log.Printf("follower[%s]: no saved cursor, will pin to first observed tree size", f.source.URL)
	}

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	coldStart := !found
	firstIteration := true

	for {
		if !firstIteration {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		firstIteration = false

		if ctx.Err() != nil {
			return
		}

		treeSize, err := f.fetchSTH(ctx)
		if err != nil {
			log.Printf("follower[%s]: get-sth failed: %v; cooling down %s", f.source.URL, err, followerNetworkCooldown)
			if !f.sleep(ctx, followerNetworkCooldown) {
				return
			}
			continue
		}

		if coldStart {
			// First successful STH after a cold start pins the cursor
			// without backfilling any history.
			latestSize = treeSize
			coldStart = false
			if err := f.cursors.save(f.source.URL, latestSize); err != nil {
				log.Printf("follower[%s]: failed to persist cold-start cursor: %v", f.source.URL, err)
			}
			continue
		}

		if treeSize <= latestSize {
			continue
		}

		newSize, err := f.drainDelta(ctx, latestSize, treeSize)
		if err != nil {
			log.Printf("follower[%s]: partial chunk failure: %v; cursor unchanged, cooling down %s", f.source.URL, err, followerChunkCooldown)
			if !f.sleep(ctx, followerChunkCooldown) {
				return
			}
			continue
		}

		latestSize = newSize
		if err := f.cursors.save(f.source.URL, latestSize); err != nil {
			log.Printf("follower[%s]: failed to persist cursor: %v", f.source.URL, err)
		}
	}
}

// drainDelta issues the paginated get-entries calls needed to cover
// [latestSize, treeSize) in chunks of at most maxBlock rows, pushing every
// decoded entry onto the ingress queue. It returns the new cursor value on
// success; on any chunk failure it returns an error and the caller leaves
// the cursor untouched, so the next cycle re-requests from the same start
// and downstream dedup absorbs the overlap.
func (f *follower) drainDelta(ctx context.Context, latestSize, treeSize int64) (int64, error) {
	total := treeSize - latestSize
	chunks := (total + f.maxBlock - 1) / f.maxBlock

	for chunk := int64(0); chunk < chunks; chunk++ {
		start := latestSize + chunk*f.maxBlock
		end := start + f.maxBlock
		if end > treeSize {
			end = treeSize
		}
		end--

		if end < start || end >= treeSize {
			return latestSize, fmt.Errorf("invalid chunk bounds start=%d end=%d tree_size=%d", start, end, treeSize)
		}

		entries, err := f.fetchEntries(ctx, start, end)
		if err != nil {
			return latestSize, fmt.Errorf("get-entries start=%d end=%d: %w", start, end, err)
		}

		for i, raw := range entries.Entries {
			entry := RawEntry{
				LeafInput: raw.LeafInput,
				ExtraData: raw.ExtraData,
				LogURL:    f.source.URL,
				Index:     start + int64(i),
			}
			if err := f.queue.Push(ctx, entry); err != nil {
				return latestSize, fmt.Errorf("push canceled: %w", err)
			}
		}
	}

	return treeSize, nil
}

func (f *follower) fetchSTH(ctx context.Context) (int64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("https://%s/ct/v1/get-sth", f.source.URL)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var sth sthResponse
	if err := json.NewDecoder(resp.Body).Decode(&sth); err != nil {
		return 0, err
	}
	return sth.TreeSize, nil
}

func (f *follower) fetchEntries(ctx context.Context, start, end int64) (*getEntriesResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("https://%s/ct/v1/get-entries?start=%d&end=%d", f.source.URL, start, end)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var result getEntriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// sleep waits for d or ctx cancellation, returning false in the latter
// case so callers can bail out of their poll loop immediately.
func (f *follower) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
