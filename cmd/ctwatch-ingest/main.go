package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ctwatch.dev/internal/ctfeed"
)

func main() {
	cfg, err := ctfeed.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	shutdownTracing := ctfeed.ConfigureTracing()
	defer shutdownTracing()

	shutdownSentry := ctfeed.ConfigureSentry(cfg.SentryDSN)
	defer shutdownSentry()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", nil); err != nil {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	ctx := context.Background()
	supervisor, err := ctfeed.NewSupervisor(ctx, cfg)
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}

	if err := supervisor.Run(ctx); err != nil {
		log.Fatalf("supervisor exited with error: %v", err)
	}
}
