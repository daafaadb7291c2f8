// Command agent is the reference host binary: it wires a config file to an
// engine.Engine, exposes its metrics and health endpoints over HTTP, and
// manages graceful shutdown on SIGINT/SIGTERM. No CLI surface lives in the
// engine package itself; start/stop is all a host needs. Grounded on the
// teacher's main.go (flag parsing, signal handling, periodic snapshot
// logging, final snapshot on shutdown).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgetelemetry/collector/engine"
	"github.com/edgetelemetry/collector/engine/config"
)

func main() {
	var (
		configPath    string
		httpAddr      string
		snapshotEvery time.Duration
		showVersion   bool
	)

	flag.StringVar(&configPath, "config", "", "Path to YAML config file (defaults baked in if absent)")
	flag.StringVar(&httpAddr, "http-addr", ":8089", "Address to serve /metrics and /healthz on")
	flag.DurationVar(&snapshotEvery, "snapshot-interval", 30*time.Second, "Interval between snapshot log lines (0=disabled)")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("edge-collector agent (reference host)")
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agent: signal received, initiating graceful shutdown")
		cancel()
		<-sigCh
		log.Println("agent: second signal received, forcing exit")
		os.Exit(1)
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	srv := newObservabilityServer(httpAddr, eng)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("agent: observability server error: %v", err)
		}
	}()

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			logSnapshot("FINAL", eng)
			eng.Stop()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			shutdownCancel()
			return
		case <-tickerC(ticker):
			logSnapshot("SNAPSHOT", eng)
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func logSnapshot(label string, eng *engine.Engine) {
	snap := eng.Snapshot()
	b, _ := json.Marshal(snap)
	fmt.Fprintf(os.Stderr, "=== %s %s ===\n%s\n", label, time.Now().Format(time.RFC3339), string(b))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func newObservabilityServer(addr string, eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	if handler, ok := eng.MetricsHandler(); ok {
		mux.Handle("/metrics", handler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := eng.HealthSnapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snap.Overall != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	return &http.Server{Addr: addr, Handler: mux}
}
