package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tcConsul "github.com/testcontainers/testcontainers-go/modules/consul"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"ctwatch.dev/internal/ctfeed"
)

// fakeCTLog serves get-sth/get-entries against an in-memory tree size, so
// the suite can drive the exact end-to-end scenarios without a real CT
// log operator.
type fakeCTLog struct {
	treeSize int64
}

func (f *fakeCTLog) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ct/v1/get-sth":
			fmt.Fprintf(w, `{"tree_size": %d}`, f.treeSize)
		case "/ct/v1/get-entries":
			var start, end int64
			fmt.Sscanf(r.URL.Query().Get("start"), "%d", &start)
			fmt.Sscanf(r.URL.Query().Get("end"), "%d", &end)
			count := end - start + 1
			if count < 0 {
				count = 0
			}
			entries := make([]map[string]string, 0, count)
			leaf := base64.StdEncoding.EncodeToString([]byte("not-a-real-merkle-leaf"))
			for i := int64(0); i < count; i++ {
				entries = append(entries, map[string]string{"leaf_input": leaf, "extra_data": ""})
			}
			body, _ := json.Marshal(map[string]interface{}{"entries": entries})
			w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestFakeCTLogServesConfiguredTreeSize(t *testing.T) {
	log := &fakeCTLog{treeSize: 100}
	server := httptest.NewServer(log.handler())
	defer server.Close()

	// Checks only that the fake log's get-sth answers with the tree size it
	// was configured with, the value a cold-start follower pins its cursor
	// to. Cold-start pinning itself (no get-entries, cursor = first STH) is
	// covered by the ctfeed package's follower unit tests, which this suite
	// complements with container-backed Consul/Postgres wiring below.
	resp, err := http.Get(server.URL + "/ct/v1/get-sth")
	if err != nil {
		t.Fatalf("get-sth: %v", err)
	}
	defer resp.Body.Close()

	var sth struct {
		TreeSize int64 `json:"tree_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sth); err != nil {
		t.Fatalf("decode sth: %v", err)
	}
	if sth.TreeSize != 100 {
		t.Fatalf("tree_size = %d, want 100", sth.TreeSize)
	}
}

// TestConsulAndPostgresContainersProvisionCleanly exercises the same
// container wiring the supervisor needs in production: a Consul agent for
// the singleton lock and cursor KV, and a Postgres instance for the store
// adapter's schema.
func TestConsulAndPostgresContainersProvisionCleanly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	consulContainer, err := tcConsul.Run(ctx, "docker.io/hashicorp/consul:1.15")
	if err != nil {
		t.Fatalf("failed to start consul container: %v", err)
	}
	defer func() {
		if err := consulContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate consul container: %v", err)
		}
	}()

	consulEndpoint, err := consulContainer.ApiEndpoint(ctx)
	if err != nil {
		t.Fatalf("failed to get consul endpoint: %v", err)
	}
	if consulEndpoint == "" {
		t.Fatal("empty consul endpoint")
	}

	pgContainer, err := tcPostgres.Run(ctx, "docker.io/postgres:16-alpine",
		tcPostgres.WithDatabase("ctwatch"),
		tcPostgres.WithUsername("ctwatch"),
		tcPostgres.WithPassword("ctwatch"),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	if dsn == "" {
		t.Fatal("empty postgres dsn")
	}

	exerciseStoreAgainstRealPostgres(ctx, t, dsn)
}

// exerciseStoreAgainstRealPostgres drives PostgresStore against the live
// container to cover what unit tests (which only ever see memStore, a Go
// map) cannot: that BulkUpsert's generated multi-row VALUES statement
// tolerates a same-batch subject_cn collision (Postgres itself rejects a
// VALUES list naming one conflict target twice), and that StatsSnapshot,
// SearchDomains, and SearchBySubjectCN run the SQL they claim to.
func exerciseStoreAgainstRealPostgres(ctx context.Context, t *testing.T, dsn string) {
	store := ctfeed.NewPostgresStore(dsn)
	if err := store.Connect(ctx); err != nil {
		t.Fatalf("store.Connect: %v", err)
	}
	defer store.Close(ctx)

	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("store.InitSchema: %v", err)
	}

	now := time.Now().UTC()
	records := []ctfeed.CertRecord{
		{SubjectCN: "collide.example.com", SerialNumber: "1", Domains: "collide.example.com", NotBefore: now, NotAfter: now.Add(time.Hour)},
		{SubjectCN: "other.example.com", SerialNumber: "1", Domains: "other.example.com,www.other.example.com", NotBefore: now, NotAfter: now.Add(time.Hour)},
		{SubjectCN: "collide.example.com", SerialNumber: "2", Domains: "collide.example.com", NotBefore: now, NotAfter: now.Add(time.Hour)},
	}

	if _, err := store.BulkUpsert(ctx, records); err != nil {
		t.Fatalf("BulkUpsert with same-batch subject_cn collision failed: %v", err)
	}

	survivor, err := store.SearchBySubjectCN(ctx, "collide.example.com")
	if err != nil {
		t.Fatalf("SearchBySubjectCN: %v", err)
	}
	if survivor == nil {
		t.Fatal("expected a surviving row for collide.example.com, got nil")
	}
	if survivor.SerialNumber != "2" {
		t.Fatalf("expected last writer (serial 2) to survive the collision, got %q", survivor.SerialNumber)
	}

	missing, err := store.SearchBySubjectCN(ctx, "nonexistent.example.com")
	if err != nil {
		t.Fatalf("SearchBySubjectCN(nonexistent): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for nonexistent subject_cn, got %+v", missing)
	}

	found, err := store.SearchDomains(ctx, "other.example.com", 10)
	if err != nil {
		t.Fatalf("SearchDomains: %v", err)
	}
	if len(found) != 1 || found[0].SubjectCN != "other.example.com" {
		t.Fatalf("SearchDomains(%q) = %+v, want exactly other.example.com", "other.example.com", found)
	}

	stats, err := store.StatsSnapshot(ctx)
	if err != nil {
		t.Fatalf("StatsSnapshot: %v", err)
	}
	if stats.TotalCertificates != 2 {
		t.Fatalf("StatsSnapshot().TotalCertificates = %d, want 2 (collision collapsed to one row)", stats.TotalCertificates)
	}
	if stats.DistinctSubjectCount != 2 {
		t.Fatalf("StatsSnapshot().DistinctSubjectCount = %d, want 2", stats.DistinctSubjectCount)
	}
}
