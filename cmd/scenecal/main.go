package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"scenecal/internal/category"
	"scenecal/internal/config"
	"scenecal/internal/ics"
	"scenecal/internal/ingest"
	appLog "scenecal/internal/log"
	"scenecal/internal/metrics"
	"scenecal/internal/store"
	"scenecal/internal/venue"
)

type flagConfig struct {
	configPath string
	once       bool
	sourceID   int64
	limit      int
	migrate    bool
}

func main() {
	appLog.Info("scenecal starting", "version", "0.3.0")

	flags := parseFlags()

	// Credentials typically live in a .env next to the binary in dev.
	_ = godotenv.Load()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.Level(strings.ToUpper(conf.LogLevel)))

	if flags.limit <= 0 {
		flags.limit = conf.FeedLimit
	}

	appLog.Info("effective config",
		"timezone", conf.Timezone,
		"expand_months", conf.ExpandMonths,
		"feed_limit", flags.limit,
		"refresh", conf.RefreshCron,
		"metrics_listen", conf.MetricsListen,
		"once", flags.once,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	st, err := store.NewPostgres(ctx, conf.DatabaseURL)
	if err != nil {
		appLog.Error("database connection failed", err)
		os.Exit(1)
	}
	defer st.Close()

	if flags.migrate {
		if err := st.Migrate(ctx); err != nil {
			appLog.Error("migration failed", err)
			os.Exit(1)
		}
		appLog.Info("schema migrated")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	if conf.MetricsListen != "" {
		go serveMetrics(conf.MetricsListen, reg)
	}

	fetcher := ics.NewFetcher(conf.Fetch, m)
	resolver := venue.NewResolver(st)
	upserter := ingest.NewUpserter(st, resolver, category.Default(), m)
	orch := ingest.NewOrchestrator(st, fetcher, upserter, m, conf)

	pass := func() {
		runPass(ctx, st, orch, flags)
	}

	if flags.once {
		pass()
		appLog.Info("scenecal exiting")
		return
	}

	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, pass); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()
	appLog.Info("scheduler started", "refresh", conf.RefreshCron)

	<-ctx.Done()

	// Let an in-flight pass notice cancellation before the scheduler stops.
	stopCtx := sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		appLog.Warn("scheduler stop timed out")
	}
	appLog.Info("scenecal exiting")
}

// runPass processes pending feeds for the selected sources. With -source
// only that source runs; otherwise every calendar-typed source does.
func runPass(ctx context.Context, st *store.Postgres, orch *ingest.Orchestrator, flags flagConfig) {
	if ctx.Err() != nil {
		return
	}

	var total ingest.Stats

	if flags.sourceID != 0 {
		source, err := st.GetSource(ctx, flags.sourceID)
		if err != nil {
			appLog.Error("source lookup failed", err, "source_id", flags.sourceID)
			return
		}
		stats, err := orch.ProcessFeeds(ctx, source, flags.limit)
		if err != nil {
			appLog.Error("pass failed", err, "source", source.Slug)
			return
		}
		total = stats
	} else {
		sources, err := st.ListSourcesByType(ctx, "ical")
		if err != nil {
			appLog.Error("source listing failed", err)
			return
		}
		for i := range sources {
			if ctx.Err() != nil {
				return
			}
			stats, err := orch.ProcessFeeds(ctx, &sources[i], flags.limit)
			if err != nil {
				appLog.Error("pass failed", err, "source", sources[i].Slug)
				continue
			}
			total.FeedsSeen += stats.FeedsSeen
			total.EventsIngested += stats.EventsIngested
			total.Errors += stats.Errors
			total.Challenges += stats.Challenges
		}
	}

	appLog.Info("ingestion pass done",
		"feeds", total.FeedsSeen,
		"ingested", total.EventsIngested,
		"errors", total.Errors,
		"challenges", total.Challenges)
}

func serveMetrics(listen string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	appLog.Info("metrics listening", "addr", listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		appLog.Error("metrics server stopped", err)
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/scenecal/config.yaml", "Path to config file")
	flag.BoolVar(&cfg.once, "once", false, "Run one ingestion pass and exit")
	flag.Int64Var(&cfg.sourceID, "source", 0, "Process only this source id (0 = all calendar sources)")
	flag.IntVar(&cfg.limit, "limit", 0, "Max feeds per source per pass (0 = config value)")
	flag.BoolVar(&cfg.migrate, "migrate", false, "Apply the database schema before running")

	flag.Parse()

	return cfg
}
