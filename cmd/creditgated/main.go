package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/creditgate/creditgate/internal/adapter"
	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/httpserver"
	"github.com/creditgate/creditgate/internal/logging"
)

func main() {
	// Local .env overrides are optional; real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(100 * 1024 * 1024) // 100MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[creditgated] ")

	backend, err := adapter.New(cfg, log.Default())
	if err != nil {
		log.Fatalf("init %s backend: %v", cfg.Backend, err)
	}
	defer backend.Close()
	log.Printf("credits backend ready backend=%s auth=%v fail_open=%v quota=%d",
		cfg.Backend, backend.AuthSupported(), cfg.FailOpen, cfg.AnonymousDailyQuota)

	httpSrv := httpserver.New(backend, cfg.CreditPerGeneration, cfg.FailOpen, log.Default())
	httpSrv.SetLogger(cfg.LogLevel, log.New(log.Writer(), "[creditgated/http] ", log.LstdFlags|log.Lmicroseconds))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("credits server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
