package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradesim/params"
	"github.com/uhyunpark/tradesim/pkg/app/core/engine"
	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
	"github.com/uhyunpark/tradesim/pkg/app/core/recovery"
	"github.com/uhyunpark/tradesim/pkg/app/core/settlement"
	"github.com/uhyunpark/tradesim/pkg/metrics"
	"github.com/uhyunpark/tradesim/pkg/storage"
	"github.com/uhyunpark/tradesim/pkg/storage/sqlstore"
	"github.com/uhyunpark/tradesim/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	flag.Parse()

	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv(*envPath)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithConfig(util.LogConfig{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("exchanged_failed", "err", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Ledger ----
	store, err := openLedger(cfg.Ledger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Warnw("ledger_close_failed", "err", err)
		}
	}()
	sugar.Infow("ledger_opened", "backend", cfg.Ledger.Backend, "path", cfg.Ledger.Path)

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	settler := settlement.New(store, settlement.Config{
		MaxAttempts: cfg.Settlement.MaxAttempts,
		Backoff:     cfg.Settlement.Backoff,
	}, sugar.Named("settlement"), settlement.WithConflictHook(m.SettlementConflict))

	// ---- Recovery ----
	books, stats, err := recovery.NewCoordinator(store, sugar.Named("recovery")).Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	m.SetRecovered(stats.Orders)

	if err := auditActive(ctx, store, settler); err != nil {
		sugar.Warnw("startup_audit_failed", "err", err)
	}

	// ---- Notifications ----
	bus := engine.NewEventBus(cfg.Node.EventBuffer)
	bus.OnDrop = func(name string, ev engine.Event) {
		m.EventDropped(name)
		sugar.Debugw("event_dropped", "subscriber", name, "kind", ev.Kind, "asset", ev.AssetID)
	}
	events := bus.Subscribe("log")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Order != nil {
				sugar.Debugw("event", "kind", ev.Kind, "order", ev.Order.ID,
					"status", ev.Order.Status, "filled", ev.Order.FilledQuantity)
				continue
			}
			sugar.Debugw("event", "kind", ev.Kind, "asset", ev.AssetID,
				"bids", len(ev.Book.Bids), "asks", len(ev.Book.Asks))
		}
	}()

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Node.JournalPath != "" {
		fj, err := storage.NewFileJournal(cfg.Node.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		journal = fj
		sugar.Infow("journal_opened", "path", cfg.Node.JournalPath)
	}
	journaled := bus.Subscribe("journal")
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		for ev := range journaled {
			if err := journal.Append(ev); err != nil {
				sugar.Warnw("journal_append_failed", "kind", ev.Kind, "err", err)
			}
		}
	}()

	eng := engine.New(engine.Config{
		BookDepth:          cfg.Matching.BookDepth,
		MarketBuyBufferBps: cfg.Matching.MarketBuyBufferBps,
		MatchRetries:       cfg.Matching.MatchRetries,
	}, books, settler, store, bus, sugar.Named("engine"), m, stats.LastSeq)

	for _, asset := range eng.Books().Assets() {
		snap := eng.BookSnapshot(asset, cfg.Matching.BookDepth)
		sugar.Infow("book_ready", "asset", asset, "bid_levels", len(snap.Bids), "ask_levels", len(snap.Asks))
	}

	// ---- Metrics endpoint ----
	errc := make(chan error, 1)
	var srv *metrics.Server
	if cfg.Node.MetricsAddr != "" {
		srv = metrics.NewServer(cfg.Node.MetricsAddr, reg)
		srv.Start(errc)
		sugar.Infow("metrics_server_starting", "addr", cfg.Node.MetricsAddr)
	}

	sugar.Infow("exchanged_ready",
		"assets", stats.Assets, "resting_orders", stats.Orders, "last_seq", stats.LastSeq)

	select {
	case <-ctx.Done():
		sugar.Infow("shutdown_signal")
	case err := <-errc:
		sugar.Errorw("metrics_server_failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("metrics_server_shutdown_failed", "err", err)
		}
	}
	bus.Close()
	<-done
	<-journalDone
	if err := journal.Close(); err != nil {
		sugar.Warnw("journal_close_failed", "err", err)
	}
	return nil
}

func openLedger(cfg params.Ledger) (ledger.Store, error) {
	if cfg.Backend == params.BackendSQLite {
		s, err := sqlstore.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, nil
	}
	s, err := storage.NewPebbleStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open pebble ledger: %w", err)
	}
	return s, nil
}

// auditActive checks the holdings of every user with an active order
func auditActive(ctx context.Context, store ledger.Store, settler *settlement.Service) error {
	active, err := store.ActiveOrders(ctx)
	if err != nil {
		return err
	}
	users := make(map[string]struct{})
	assets := make(map[string]struct{})
	for _, o := range active {
		users[o.UserID] = struct{}{}
		assets[o.AssetID] = struct{}{}
	}
	return settler.Audit(ctx, keys(users), keys(assets))
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
