package ctfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the narrow persistence contract the batcher and supervisor
// depend on: bulk upserts of CertRecords rather than opaque blobs.
// PostgresStore is the production implementation; memStore backs unit
// tests without a database.
type Store interface {
	Connect(ctx context.Context) error
	InitSchema(ctx context.Context) error
	BulkUpsert(ctx context.Context, records []CertRecord) (int, error)
	Close(ctx context.Context) error
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS certificates (
	id SERIAL PRIMARY KEY,
	subject_cn TEXT UNIQUE NOT NULL,
	issuer_cn TEXT,
	serial_number TEXT,
	fingerprint TEXT,
	not_before TIMESTAMP,
	not_after TIMESTAMP,
	domains TEXT,
	raw_data JSONB,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_certificates_fingerprint ON certificates (fingerprint);
CREATE INDEX IF NOT EXISTS idx_certificates_created_at ON certificates (created_at);
CREATE INDEX IF NOT EXISTS idx_certificates_domains ON certificates (domains);
CREATE INDEX IF NOT EXISTS idx_certificates_domains_fts ON certificates USING GIN (to_tsvector('english', domains));
`

// PostgresStore is a pgxpool-backed Store, sized min=10/max=50 to match the
// reference design's connection pool (itself carried over from the
// original AsyncConnectionPool(min_size=10, max_size=50)).
type PostgresStore struct {
	dsn  string
	pool *pgxpool.Pool
}

func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn}
}

func (s *PostgresStore) Connect(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	config.MinConns = 10
	config.MaxConns = 50

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.pool = pool
	return nil
}

func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// BulkUpsert issues a single multi-row INSERT ... ON CONFLICT (subject_cn)
// DO UPDATE per call. created_at is left untouched on conflict;
// updated_at is bumped to the current time.
//
// Postgres raises "ON CONFLICT DO UPDATE command cannot affect row a second
// time" if the same subject_cn appears twice in one VALUES list, so records
// are deduped by SubjectCN first, keeping the last occurrence — the final
// record in buffer order wins, matching the batcher's own semantics.
func (s *PostgresStore) BulkUpsert(ctx context.Context, records []CertRecord) (int, error) {
	records = dedupeBySubjectCN(records)
	if len(records) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO certificates (subject_cn, issuer_cn, serial_number, fingerprint, not_before, not_after, domains, raw_data) VALUES `)

	args := make([]interface{}, 0, len(records)*8)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		rawData, err := json.Marshal(rec.RawData)
		if err != nil {
			return 0, fmt.Errorf("marshal raw_data for %s: %w", rec.SubjectCN, err)
		}

		base := i * 8
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))

		args = append(args, rec.SubjectCN, rec.IssuerCN, rec.SerialNumber, rec.Fingerprint,
			rec.NotBefore, rec.NotAfter, rec.Domains, rawData)
	}

	sb.WriteString(` ON CONFLICT (subject_cn) DO UPDATE SET
		issuer_cn = EXCLUDED.issuer_cn,
		serial_number = EXCLUDED.serial_number,
		fingerprint = EXCLUDED.fingerprint,
		not_before = EXCLUDED.not_before,
		not_after = EXCLUDED.not_after,
		domains = EXCLUDED.domains,
		raw_data = EXCLUDED.raw_data,
		updated_at = CURRENT_TIMESTAMP`)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("bulk upsert: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// dedupeBySubjectCN collapses repeated subject_cn entries within one batch
// to their last occurrence, preserving the order of first appearance.
func dedupeBySubjectCN(records []CertRecord) []CertRecord {
	last := make(map[string]CertRecord, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		if _, seen := last[rec.SubjectCN]; !seen {
			order = append(order, rec.SubjectCN)
		}
		last[rec.SubjectCN] = rec
	}

	out := make([]CertRecord, len(order))
	for i, cn := range order {
		out[i] = last[cn]
	}
	return out
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Stats mirrors sql_helper.py's get_stats(): total certificates, those
// seen in the last 24h, and the distinct-subject count. Not exposed over
// HTTP (the read API is out of scope); exported for the status reporter
// and for operators querying it directly.
type Stats struct {
	TotalCertificates    int64
	CertificatesLast24h  int64
	DistinctSubjectCount int64
}

func (s *PostgresStore) StatsSnapshot(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '24 hours'),
			COUNT(DISTINCT subject_cn)
		FROM certificates`)
	if err := row.Scan(&stats.TotalCertificates, &stats.CertificatesLast24h, &stats.DistinctSubjectCount); err != nil {
		return Stats{}, fmt.Errorf("stats snapshot: %w", err)
	}
	return stats, nil
}

// SearchDomains mirrors sql_helper.py's search_domains_fulltext: a
// full-text search over the domains column via the GIN index.
func (s *PostgresStore) SearchDomains(ctx context.Context, query string, limit int) ([]CertRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT subject_cn, issuer_cn, serial_number, fingerprint, not_before, not_after, domains
		FROM certificates
		WHERE to_tsvector('english', domains) @@ plainto_tsquery('english', $1)
		ORDER BY updated_at DESC
		LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search domains: %w", err)
	}
	defer rows.Close()
	return scanCertRecords(rows)
}

// SearchBySubjectCN mirrors sql_helper.py's get_certificate_by_subject_cn.
func (s *PostgresStore) SearchBySubjectCN(ctx context.Context, subjectCN string) (*CertRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT subject_cn, issuer_cn, serial_number, fingerprint, not_before, not_after, domains
		FROM certificates WHERE subject_cn = $1`, subjectCN)

	var rec CertRecord
	if err := row.Scan(&rec.SubjectCN, &rec.IssuerCN, &rec.SerialNumber, &rec.Fingerprint,
		&rec.NotBefore, &rec.NotAfter, &rec.Domains); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("search by subject_cn: %w", err)
	}
	return &rec, nil
}

func scanCertRecords(rows pgx.Rows) ([]CertRecord, error) {
	var records []CertRecord
	for rows.Next() {
		var rec CertRecord
		if err := rows.Scan(&rec.SubjectCN, &rec.IssuerCN, &rec.SerialNumber, &rec.Fingerprint,
			&rec.NotBefore, &rec.NotAfter, &rec.Domains); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// memStore is an in-memory Store used by unit tests that don't want to
// stand up a real Postgres instance.
type memStore struct {
	mu      sync.Mutex
	records map[string]CertRecord
	now     func() time.Time
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]CertRecord), now: time.Now}
}

func (m *memStore) Connect(ctx context.Context) error    { return nil }
func (m *memStore) InitSchema(ctx context.Context) error { return nil }
func (m *memStore) Close(ctx context.Context) error      { return nil }

func (m *memStore) BulkUpsert(ctx context.Context, records []CertRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.records[rec.SubjectCN] = rec
	}
	return len(records), nil
}

func (m *memStore) snapshot() []CertRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CertRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectCN < out[j].SubjectCN })
	return out
}
