// lookup runs the trust-and-lookup service: it crawls the Fediverse from a
// set of seed actors, archives what it finds, and serves the result over
// HTTP for verifiers to cross-check and sign.
//
// Usage:
//
//	lookup [--from URI]... [--add-ver URI]... [--no-crawl] [--no-server] [-v|-vv]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/crawler"
	"github.com/gediminasel/activitypub-resilience/internal/domain"
	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
	"github.com/gediminasel/activitypub-resilience/internal/lookupconfig"
	"github.com/gediminasel/activitypub-resilience/internal/lookupserver"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/objecthandler"
	"github.com/gediminasel/activitypub-resilience/internal/objectstore"
	"github.com/gediminasel/activitypub-resilience/internal/queue"
	"github.com/gediminasel/activitypub-resilience/internal/scheduler"
	"github.com/gediminasel/activitypub-resilience/internal/signature"
	"github.com/gediminasel/activitypub-resilience/internal/signaturestore"
	"github.com/gediminasel/activitypub-resilience/internal/statsstore"
	"github.com/gediminasel/activitypub-resilience/internal/store"
	"github.com/gediminasel/activitypub-resilience/internal/webfinger"
)

// repeatedFlag collects every occurrence of a flag given more than once,
// the stdlib idiom for "--from URI --from URI2" (flag.Value).
type repeatedFlag []string

func (r *repeatedFlag) String() string { return fmt.Sprint([]string(*r)) }
func (r *repeatedFlag) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var fromURIs, addVerifiers repeatedFlag
	var noCrawl, noServer, verbose, veryVerbose bool
	flag.Var(&fromURIs, "from", "seed URI or acct:user@host handle to start crawling from (repeatable)")
	flag.Var(&addVerifiers, "add-ver", "verifier_uri=path/to/public.pem to register (repeatable)")
	flag.BoolVar(&noCrawl, "no-crawl", false, "don't run the crawler, only serve")
	flag.BoolVar(&noServer, "no-server", false, "don't serve HTTP, only crawl")
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

	if noCrawl && noServer {
		slog.Error("nothing to do: both --no-crawl and --no-server given")
		os.Exit(1)
	}

	cfg := lookupconfig.Load()
	slog.Info("lookup config loaded", "database", cfg.DatabaseURL, "port", cfg.Port)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	q := queue.New(db)
	domainStore := domain.NewStore(db)
	objects := objectstore.New(db)
	signatures := signaturestore.New(db)
	stats := statsstore.New(db)
	for _, m := range []interface{ Migrate() error }{q, domainStore, objects, signatures, stats} {
		if err := m.Migrate(); err != nil {
			slog.Error("migrate", "err", err)
			os.Exit(1)
		}
	}

	for _, spec := range addVerifiers {
		uri, pemPath, ok := splitVerifierSpec(spec)
		if !ok {
			slog.Error("malformed --add-ver value, expected uri=path", "value", spec)
			os.Exit(1)
		}
		pem, err := os.ReadFile(pemPath)
		if err != nil {
			slog.Error("read verifier public key", "path", pemPath, "err", err)
			os.Exit(1)
		}
		if _, err := signatures.AddVerifier(uri, string(pem)); err != nil {
			slog.Error("register verifier", "uri", uri, "err", err)
			os.Exit(1)
		}
		slog.Info("registered verifier", "uri", uri)
	}

	m := metrics.New(time.Now())
	sigService := signature.NewService(4)
	defer sigService.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var domains *domain.Registry
	var crawl *crawler.Crawler
	if !noCrawl {
		f := fetcher.New(fetcher.Config{
			RequestTimeout: cfg.RequestTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
			MaxConnections: cfg.MaxConnections,
		})
		wf := webfinger.New(nil)
		sched := scheduler.New(cfg.MaxQueueSize, cfg.DomainRequestPeriod)
		domains = domain.NewRegistry()

		handler := &objecthandler.Handler{
			Queue:     q,
			Objects:   objects,
			Aliases:   objects,
			Webfinger: wf,
			Metrics:   m,
			Config:    cfg,
		}
		crawl = crawler.New(q, domainStore, domains, f, wf, handler, sched, objects, m, cfg)
		handler.OnIDFound = crawl

		if err := crawl.Run(ctx, fromURIs); err != nil {
			slog.Error("start crawler", "err", err)
			os.Exit(1)
		}
		defer crawl.Stop()
	}

	if !noServer {
		srv := lookupserver.New(objects, signatures, stats, m, registryView(domains), sigService)
		startHTTP(ctx, cfg.Port, srv.Router())
	}

	<-ctx.Done()
	slog.Info("lookup stopped")
}

func splitVerifierSpec(spec string) (uri, pemPath string, ok bool) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			return spec[:i], spec[i+1:], true
		}
	}
	return "", "", false
}

// registryView adapts a possibly-nil *domain.Registry to lookupserver's
// DomainView, so --no-crawl can still serve a status page without a live
// registry (spec §6.6).
func registryView(r *domain.Registry) lookupDomainView {
	return lookupDomainView{r}
}

type lookupDomainView struct{ r *domain.Registry }

func (v lookupDomainView) Range(fn func(d *domain.Domain) bool) {
	if v.r == nil {
		return
	}
	v.r.Range(fn)
}

// startHTTP runs handler on port until ctx is cancelled, matching
// internal/server.Server.Start's graceful-shutdown shape.
func startHTTP(ctx context.Context, port string, handler http.Handler) {
	httpSrv := &http.Server{
		Addr:         ":" + port,
		Handler:      handler,
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
		slog.Info("starting lookup HTTP server", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "err", err)
		}
	}()
}
