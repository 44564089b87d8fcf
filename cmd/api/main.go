package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helpmesh.org/internal/config"
	"helpmesh.org/internal/httpapi"
	"helpmesh.org/internal/match"
	"helpmesh.org/internal/obs"
	"helpmesh.org/internal/store/pg"
	"helpmesh.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg := config.Load()

	// Durable store when a DSN is configured; in-memory engine otherwise.
	var (
		svc     match.Service
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if cfg.PGDSN != "" {
		var err error
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		svc = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		svc = match.NewInMemory()
	}

	st := stream.New()
	api := httpapi.New(svc, st, probe, cfg.Version)

	handler := api.Handler()
	handler = httpapi.RateLimit(handler, cfg.RateBurst, cfg.RatePerSec)
	handler = httpapi.MaxBodyBytes(handler, cfg.MaxBodyBytes)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Deadline sweeper: moves overdue assignments to timeout.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.ExpireOverdue(sweepCtx, time.Now().UTC())
				if err != nil {
					log.Printf("sweep: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("sweep: expired %d assignments", n)
				}
			}
		}
	}()

	log.Printf("Starting helpmesh-api %s on %s", cfg.Version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
