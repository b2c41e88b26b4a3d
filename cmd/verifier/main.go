// verifier runs the trust-and-lookup verifier: it cross-checks actors
// reported by one or more lookup services against what it fetches itself,
// and signs the ones that check out.
//
// Usage:
//
//	verifier --watch URI [--watch URI]... [-v|-vv]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
	"github.com/gediminasel/activitypub-resilience/internal/keys"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/signature"
	"github.com/gediminasel/activitypub-resilience/internal/store"
	"github.com/gediminasel/activitypub-resilience/internal/verifierconfig"
	"github.com/gediminasel/activitypub-resilience/internal/verifierserver"
	"github.com/gediminasel/activitypub-resilience/internal/verifierworker"
	"github.com/gediminasel/activitypub-resilience/internal/webfinger"
)

type repeatedFlag []string

func (r *repeatedFlag) String() string { return fmt.Sprint([]string(*r)) }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var watch repeatedFlag
	var verbose, veryVerbose bool
	flag.Var(&watch, "watch", "lookup service base URL to crawl_and_sign against (repeatable)")
	flag.BoolVar(&verbose, "v", false, "info-level logging")
	flag.BoolVar(&veryVerbose, "vv", false, "debug-level logging")
	flag.Parse()

	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelInfo
	}
	if veryVerbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if len(watch) == 0 {
		slog.Error("nothing to do: no --watch lookup given")
		os.Exit(1)
	}

	cfg := verifierconfig.Load()
	slog.Info("verifier config loaded", "database", cfg.DatabaseURL, "port", cfg.Port, "watching", len(watch))

	kp, err := keys.LoadOrGenerate(cfg.ActorKeyPath, cfg.ActorPubKeyPath)
	if err != nil {
		slog.Error("load/generate verifier key pair", "err", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	vst := verifierworker.New(db)
	if err := vst.Migrate(); err != nil {
		slog.Error("migrate verifier store", "err", err)
		os.Exit(1)
	}

	f := fetcher.New(fetcher.Config{
		RequestTimeout: cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxConnections: cfg.MaxConnections,
	})
	bf := verifierworker.NewBoundedFetcher(f, cfg.MaxConnections, cfg.DomainRequestPeriod)
	wf := webfinger.New(nil)
	sigService := signature.NewService(4)
	defer sigService.Close()
	m := metrics.New(time.Now())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for _, lookupURL := range watch {
		w := verifierworker.NewWorker(lookupURL, vst, bf, wf, sigService, m, cfg, cfg.ActorURL, kp.Private)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	srv := verifierserver.New(cfg.ActorURL, "Simple verifier", kp.PublicPEM, m)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			slog.Error("http server shutdown", "err", err)
		}
	}()
	go func() {
		slog.Info("starting verifier HTTP server", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "err", err)
		}
	}()

	wg.Wait()
	slog.Info("verifier stopped")
}
