package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/snapetech/xcdiscovery/internal/catalog"
	"github.com/snapetech/xcdiscovery/internal/config"
	"github.com/snapetech/xcdiscovery/internal/discovery"
	"github.com/snapetech/xcdiscovery/internal/eventlog"
	"github.com/snapetech/xcdiscovery/internal/httpclient"
	"github.com/snapetech/xcdiscovery/internal/indexer"
	"github.com/snapetech/xcdiscovery/internal/schema"
	"github.com/snapetech/xcdiscovery/internal/sqlitestore"
)

// app is everything a subcommand needs: config, logger, store and engine.
type app struct {
	cfg      *config.Config
	logger   *eventlog.Logger
	store    catalog.Store
	engine   *discovery.Engine
	registry *prometheus.Registry

	closeStore func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := eventlog.New(eventlog.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Dir:        cfg.LogDir,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	})

	reg, err := loadSchema(cfg.SchemaPath)
	if err != nil {
		logger.Close()
		return nil, err
	}
	policy, err := discovery.ParseMatchPolicy(cfg.MatchPolicy)
	if err != nil {
		logger.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := a.openStore(ctx); err != nil {
		logger.Close()
		return nil, err
	}
	a.engine = discovery.New(a.store, reg, discovery.Options{
		Logger:      logger.Component("discovery"),
		MatchPolicy: policy,
		Metrics:     discovery.NewMetrics(a.registry),
		Workers:     cfg.IngestWorkers,
	})
	return a, nil
}

func loadSchema(path string) (*schema.Registry, error) {
	if path == "" {
		return schema.Default()
	}
	reg, err := schema.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	return reg, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "memory":
		mem := catalog.NewMemStore()
		if p := a.cfg.SnapshotPath; p != "" {
			if err := mem.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load snapshot %s: %w", p, err)
			}
		}
		a.store = mem
		a.closeStore = func() error { return nil }
	default:
		db, err := sqlitestore.Open(ctx, a.cfg.StorePath)
		if err != nil {
			return err
		}
		a.store = db
		a.closeStore = db.Close
	}
	return nil
}

// persist writes the in-memory snapshot, if one is configured. The sqlite
// store is durable on its own.
func (a *app) persist() error {
	mem, ok := a.store.(*catalog.MemStore)
	if !ok || a.cfg.SnapshotPath == "" {
		return nil
	}
	return mem.Save(a.cfg.SnapshotPath)
}

func (a *app) Close() {
	if err := a.persist(); err != nil {
		log.Printf("Save snapshot failed: %v", err)
	}
	if err := a.closeStore(); err != nil {
		log.Printf("Close store failed: %v", err)
	}
	a.logger.Close()
}

// sync refreshes the catalog from the provider. Strategy: an explicit M3U
// URL wins; otherwise player_api on each configured host in order, then
// get.php on each host.
func (a *app) sync(ctx context.Context, m3uOverride string) (*discovery.SyncReport, error) {
	rep, err := a.fetchAndSync(ctx, m3uOverride)
	if err != nil {
		return rep, err
	}
	if err := a.persist(); err != nil {
		return rep, fmt.Errorf("save snapshot: %w", err)
	}
	return rep, nil
}

func (a *app) fetchAndSync(ctx context.Context, m3uOverride string) (*discovery.SyncReport, error) {
	cfg := a.cfg
	if m3uOverride != "" {
		return a.syncM3U(ctx, []string{m3uOverride})
	}
	if cfg.M3UURL != "" || !cfg.HasXC() {
		urls := cfg.M3UURLsOrBuild()
		if len(urls) == 0 {
			return nil, fmt.Errorf("need -m3u URL or set XC_DISCOVERY_PROVIDER_URL, XC_DISCOVERY_PROVIDER_USER and XC_DISCOVERY_PROVIDER_PASS in .env")
		}
		return a.syncM3U(ctx, urls)
	}

	var limiter *rate.Limiter
	if cfg.UpstreamRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), cfg.UpstreamBurst)
	}
	bases := cfg.ProviderURLs()
	var lastErr error
	for _, base := range bases {
		client := &indexer.XCClient{
			BaseURL:        base,
			User:           cfg.ProviderUser,
			Pass:           cfg.ProviderPass,
			StreamExt:      cfg.StreamExt,
			StreamBaseURLs: bases,
			Client:         httpclient.WithTimeout(cfg.HTTPTimeout),
			Limiter:        limiter,
		}
		if err := client.Auth(ctx); err != nil {
			log.Printf("player_api %s: %v", hostOf(base), err)
			lastErr = err
			continue
		}
		rep, err := a.engine.SyncXC(ctx, client)
		if err == nil || ctx.Err() != nil {
			return rep, err
		}
		log.Printf("player_api sync via %s failed: %v", hostOf(base), err)
		lastErr = err
	}
	log.Printf("No player_api host OK (%v); falling back to get.php", lastErr)
	return a.syncM3U(ctx, cfg.M3UURLsOrBuild())
}

func (a *app) syncM3U(ctx context.Context, urls []string) (*discovery.SyncReport, error) {
	client := httpclient.WithTimeout(a.cfg.HTTPTimeout)
	var lastErr error
	for _, u := range urls {
		entries, err := indexer.ParseM3U(ctx, u, client)
		if err != nil {
			lastErr = err
			continue
		}
		return a.engine.SyncM3U(ctx, entries, a.cfg.DefaultGroup)
	}
	if lastErr == nil {
		lastErr = errors.New("no M3U URL")
	}
	return nil, fmt.Errorf("parse M3U: %w", lastErr)
}

// pruneCategories is child-first so a parent is never removed while a
// fresh child still points at it.
var pruneCategories = []string{catalog.StreamKind, catalog.ChannelKind, catalog.CategoryGroupKind}

func (a *app) prune(ctx context.Context) (map[string]int, error) {
	cutoff := timeNow().Add(-a.cfg.PruneMaxAge)
	removed := make(map[string]int, len(pruneCategories))
	for _, cat := range pruneCategories {
		n, err := a.engine.PruneStale(ctx, cat, cutoff, a.cfg.PruneBatchSize)
		removed[cat] = n
		if err != nil {
			return removed, fmt.Errorf("prune %s: %w", cat, err)
		}
	}
	if err := a.persist(); err != nil {
		return removed, fmt.Errorf("save snapshot: %w", err)
	}
	return removed, nil
}

// check probes stored streams and records results in their status.
func (a *app) check(ctx context.Context) (discovery.CheckReport, error) {
	prober := &indexer.StreamProber{
		Client:  httpclient.WithTimeout(a.cfg.CheckTimeout),
		Timeout: a.cfg.CheckTimeout,
	}
	rep, err := a.engine.CheckStreams(ctx, prober, discovery.CheckOptions{
		Concurrency: a.cfg.CheckConcurrency,
		MaxAge:      a.cfg.CheckMaxAge,
	})
	if err != nil {
		return rep, err
	}
	if err := a.persist(); err != nil {
		return rep, fmt.Errorf("save snapshot: %w", err)
	}
	return rep, nil
}

// playerAPIURL is the credentials URL used for provider health checks.
func playerAPIURL(base, user, pass string) string {
	return strings.TrimSuffix(base, "/") + "/player_api.php?username=" + url.QueryEscape(user) + "&password=" + url.QueryEscape(pass)
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
