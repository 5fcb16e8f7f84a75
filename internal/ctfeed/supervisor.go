package ctfeed

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	statusReportInterval  = 30 * time.Second
	shutdownDrainDeadline = 10 * time.Second
)

// Supervisor wires together the registry, followers, queue, worker pool,
// batcher, and store adapter, and owns the process's singleton lock and
// shutdown sequence.
type Supervisor struct {
	cfg Config

	store   Store
	client  *http.Client
	queue   *ingressQueue
	batch   *batcher
	cursors *cursorStore
	lock    *consul.Lock

	totalProcessed int64
	totalErrors    int64

	queueDepthGauge      prometheus.Gauge
	processedCounter     prometheus.Counter
	errorCounter         prometheus.Counter
	totalCertsGauge      prometheus.Gauge
	certsLast24hGauge    prometheus.Gauge
	distinctSubjectGauge prometheus.Gauge
}

// statsSnapshotter is implemented by Store adapters that can report
// aggregate counts beyond the narrow Store interface. PostgresStore
// implements it; memStore (used in tests) does not, so reportStatus skips
// the extra gauges rather than requiring every Store to carry SQL-specific
// aggregation.
type statsSnapshotter interface {
	StatsSnapshot(ctx context.Context) (Stats, error)
}

// NewSupervisor acquires the Consul singleton lock, connects the store
// adapter, and initializes its schema. Log sources are resolved and
// nothing is spawned until Run is called.
func NewSupervisor(ctx context.Context, cfg Config) (*Supervisor, error) {
	lock, err := acquireSingletonLock(cfg.ConsulAddress, cfg.ConsulKVPath)
	if err != nil {
		return nil, err
	}

	cursors, err := newCursorStore(cfg.ConsulAddress, cfg.ConsulKVPath)
	if err != nil {
		return nil, err
	}

	store := NewPostgresStore(cfg.PostgresDSN)
	if err := store.Connect(ctx); err != nil {
		reportFatal(err)
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		reportFatal(err)
		return nil, err
	}

	sup := &Supervisor{
		cfg:     cfg,
		store:   store,
		client:  newTracedHTTPClient(),
		queue:   newIngressQueue(cfg.QueueCapacity),
		cursors: cursors,
		lock:    lock,

		queueDepthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctwatch_ingress_queue_depth",
			Help: "Current number of RawEntrys buffered in the ingress queue.",
		}),
		processedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctwatch_records_processed_total",
			Help: "Total number of certificate records successfully decoded and batched.",
		}),
		errorCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctwatch_codec_errors_total",
			Help: "Total number of entries the codec failed to decode.",
		}),
		totalCertsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctwatch_store_total_certificates",
			Help: "Total distinct certificates currently held by the store.",
		}),
		certsLast24hGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctwatch_store_certificates_last_24h",
			Help: "Certificates with created_at within the last 24 hours.",
		}),
		distinctSubjectGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ctwatch_store_distinct_subject_count",
			Help: "Distinct subject_cn values currently held by the store.",
		}),
	}
	prometheus.MustRegister(sup.queueDepthGauge, sup.processedCounter, sup.errorCounter,
		sup.totalCertsGauge, sup.certsLast24hGauge, sup.distinctSubjectGauge)

	sup.batch = newBatcher(store, cfg.BatchSize, func(inserted int, err error) {
		if err == nil {
			atomic.AddInt64(&sup.totalProcessed, int64(inserted))
			sup.processedCounter.Add(float64(inserted))
		}
	})

	return sup, nil
}

// Run resolves log sources, spawns one follower per source (capped at
// MaxConcurrentFollowers concurrently active goroutines via
// errgroup.SetLimit), N workers, and the status reporter, then blocks
// until ctx is canceled or a SIGINT/SIGTERM arrives. On shutdown it
// cancels the followers, waits up to shutdownDrainDeadline for workers to
// drain, force-flushes the batcher, releases the lock, and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources := FetchLogSources(ctx, s.client, s.cfg.DenylistOverrides)
	log.Printf("supervisor: following %d logs", len(sources))

	// Followers and workers are canceled in two separate steps on
	// shutdown: followers stop producing first, then workers keep
	// draining the queue for a bounded deadline before they stop too.
	followerCtx, cancelFollowers := context.WithCancel(context.Background())
	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	// Followers get their own group with a concurrency cap, echoing the
	// original crawler's "batches of N logs processed concurrently"
	// shape: with more logs than MaxConcurrentFollowers, extras wait for
	// a slot rather than all running unbounded at once.
	followerGroup, followerGroupCtx := errgroup.WithContext(followerCtx)
	followerGroup.SetLimit(s.cfg.MaxConcurrentFollowers)
	for _, source := range sources {
		source := source
		followerGroup.Go(func() error {
			f := newFollower(source, s.client, s.queue, s.cursors, s.cfg.MaxBlockSize, time.Duration(s.cfg.PollInterval)*time.Second)
			f.Run(followerGroupCtx)
			return nil
		})
	}

	workerGroup, workerGroupCtx := errgroup.WithContext(workerCtx)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		id := i
		workerGroup.Go(func() error {
			runWorker(workerGroupCtx, id, s.queue, s.batch, &s.totalErrors)
			return nil
		})
	}
	workerGroup.Go(func() error {
		s.reportStatus(workerGroupCtx)
		return nil
	})

	<-ctx.Done()
	log.Println("supervisor: shutdown signal received, draining")

	cancelFollowers()
	if err := followerGroup.Wait(); err != nil {
		log.Printf("supervisor: follower group exited with error: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownDrainDeadline)
	s.waitForQueueDrain(drainCtx)
	cancelDrain()

	cancelWorkers()
	if err := workerGroup.Wait(); err != nil {
		log.Printf("supervisor: worker group exited with error: %v", err)
	}

	s.batch.ForceFlush()

	if err := s.store.Close(context.Background()); err != nil {
		log.Printf("supervisor: error closing store: %v", err)
	}
	s.lock.Unlock()

	return nil
}

func (s *Supervisor) waitForQueueDrain(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.queue.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			log.Printf("supervisor: drain deadline hit with %d entries still queued", s.queue.Len())
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusReportInterval)
	defer ticker.Stop()

	var lastErrors int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := s.queue.Len()
			s.queueDepthGauge.Set(float64(depth))

			errors := atomic.LoadInt64(&s.totalErrors)
			s.errorCounter.Add(float64(errors - lastErrors))
			lastErrors = errors

			log.Printf("status: queue_depth=%d total_processed=%d total_errors=%d",
				depth, atomic.LoadInt64(&s.totalProcessed), errors)

			if snapshotter, ok := s.store.(statsSnapshotter); ok {
				stats, err := snapshotter.StatsSnapshot(ctx)
				if err != nil {
					log.Printf("status: stats snapshot failed: %v", err)
				} else {
					s.totalCertsGauge.Set(float64(stats.TotalCertificates))
					s.certsLast24hGauge.Set(float64(stats.CertificatesLast24h))
					s.distinctSubjectGauge.Set(float64(stats.DistinctSubjectCount))
					log.Printf("status: total_certificates=%d last_24h=%d distinct_subjects=%d",
						stats.TotalCertificates, stats.CertificatesLast24h, stats.DistinctSubjectCount)
				}
			}
		}
	}
}
