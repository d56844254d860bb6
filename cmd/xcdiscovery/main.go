// Command xcdiscovery: discover an IPTV provider's live catalog into a canonical
// category group / channel / stream store.
//
//	sync   Fetch categories and live streams (player_api, else get.php) and ingest them
//	serve  Scheduled sync and prune plus the admin API. For systemd.
//	tree   Print the stored hierarchy as JSON (one group with -category)
//	check  Probe stored stream URLs and record the result in each stream's status
//	prune  Remove records not seen within XC_DISCOVERY_PRUNE_MAX_AGE
//	probe  Check each provider URL and report which ones answer
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapetech/xcdiscovery/internal/admin"
	"github.com/snapetech/xcdiscovery/internal/config"
	"github.com/snapetech/xcdiscovery/internal/discovery"
	"github.com/snapetech/xcdiscovery/internal/health"
	"github.com/snapetech/xcdiscovery/internal/maintenance"
	"github.com/snapetech/xcdiscovery/internal/scheduler"
)

var timeNow = time.Now

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[xcdiscovery] ")

	syncCmd := flag.NewFlagSet("sync", flag.ExitOnError)
	syncM3U := syncCmd.String("m3u", "", "M3U URL (default: XC_DISCOVERY_M3U_URL, else player_api / get.php on XC_DISCOVERY_PROVIDER_URL)")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Admin API listen address (default: XC_DISCOVERY_ADMIN_ADDR)")
	serveSkipSync := serveCmd.Bool("skip-sync", false, "Skip catalog sync at startup (use existing store)")
	serveSkipHealth := serveCmd.Bool("skip-health", false, "Skip provider health check at startup")

	treeCmd := flag.NewFlagSet("tree", flag.ExitOnError)
	treeCategory := treeCmd.String("category", "", "Only this category_group_id")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkAll := checkCmd.Bool("all", false, "Probe every stream, including ones checked within XC_DISCOVERY_CHECK_MAX_AGE")

	pruneCmd := flag.NewFlagSet("prune", flag.ExitOnError)
	pruneMaxAge := pruneCmd.Duration("max-age", 0, "Remove records whose last_seen is older than this (default: XC_DISCOVERY_PRUNE_MAX_AGE)")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeURLs := probeCmd.String("urls", "", "Comma-separated base URLs to probe (default: XC_DISCOVERY_PROVIDER_URL or XC_DISCOVERY_PROVIDER_URLS)")
	probeTimeout := probeCmd.Duration("timeout", 30*time.Second, "Timeout per URL")
	probeAdmin := probeCmd.String("admin", "", "Instead of the provider, check a running serve instance at this base URL (e.g. http://localhost:8089)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <sync|serve|tree|check|prune|probe> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  sync   Fetch the provider catalog and ingest it\n")
		fmt.Fprintf(os.Stderr, "  serve  Scheduled sync/prune and the admin API (for systemd)\n")
		fmt.Fprintf(os.Stderr, "  tree   Print stored category groups, channels and streams as JSON\n")
		fmt.Fprintf(os.Stderr, "  check  Probe stored stream URLs, record OK / fail in stream status\n")
		fmt.Fprintf(os.Stderr, "  prune  Remove records not seen recently\n")
		fmt.Fprintf(os.Stderr, "  probe  Cycle through provider URLs, report OK / fail (use -urls a,b,c to try specific hosts)\n")
		os.Exit(1)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid config: %v", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "sync":
		_ = syncCmd.Parse(os.Args[2:])
		a := mustApp(ctx, cfg)
		defer a.Close()
		rep, err := a.sync(ctx, *syncM3U)
		if rep != nil {
			logReport(rep)
		}
		if err != nil {
			log.Printf("Sync failed: %v", err)
			a.Close()
			os.Exit(1)
		}

	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		if *serveAddr != "" {
			cfg.AdminAddr = *serveAddr
		}
		a := mustApp(ctx, cfg)
		defer a.Close()
		if err := serve(ctx, a, !*serveSkipSync, !*serveSkipHealth); err != nil {
			log.Printf("Serve failed: %v", err)
			a.Close()
			os.Exit(1)
		}

	case "tree":
		_ = treeCmd.Parse(os.Args[2:])
		a := mustApp(ctx, cfg)
		defer a.Close()
		var out any
		if *treeCategory != "" {
			g, ok, err := a.engine.CategoryHierarchy(ctx, *treeCategory)
			if err != nil {
				log.Printf("Read hierarchy: %v", err)
				a.Close()
				os.Exit(1)
			}
			if !ok {
				log.Printf("Category group %q not found", *treeCategory)
				a.Close()
				os.Exit(1)
			}
			out = g
		} else {
			tree, err := a.engine.FullHierarchy(ctx)
			if err != nil {
				log.Printf("Read hierarchy: %v", err)
				a.Close()
				os.Exit(1)
			}
			out = tree
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		if *checkAll {
			cfg.CheckMaxAge = 0
		}
		a := mustApp(ctx, cfg)
		defer a.Close()
		rep, err := a.check(ctx)
		log.Printf("Checked %d streams: %d OK, %d failed, %d skipped", rep.Checked, rep.Passed, rep.Failed, rep.Skipped)
		if err != nil {
			log.Printf("Check failed: %v", err)
			a.Close()
			os.Exit(1)
		}

	case "prune":
		_ = pruneCmd.Parse(os.Args[2:])
		if *pruneMaxAge > 0 {
			cfg.PruneMaxAge = *pruneMaxAge
		}
		a := mustApp(ctx, cfg)
		defer a.Close()
		removed, err := a.prune(ctx)
		log.Printf("Pruned %d streams, %d channels, %d category groups older than %s",
			removed["stream"], removed["channel"], removed["category_group"], cfg.PruneMaxAge)
		if err != nil {
			log.Printf("Prune failed: %v", err)
			a.Close()
			os.Exit(1)
		}

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		if *probeAdmin != "" {
			pctx, cancel := context.WithTimeout(ctx, *probeTimeout)
			err := health.CheckEndpoints(pctx, strings.TrimSuffix(*probeAdmin, "/"))
			cancel()
			if err != nil {
				log.Printf("Admin API %s: %v", *probeAdmin, err)
				os.Exit(1)
			}
			log.Printf("Admin API %s OK", *probeAdmin)
			return
		}
		bases := cfg.ProviderURLs()
		if *probeURLs != "" {
			bases = nil
			for _, u := range strings.Split(*probeURLs, ",") {
				if u = strings.TrimSpace(u); u != "" {
					bases = append(bases, u)
				}
			}
		}
		if len(bases) == 0 {
			log.Print("No provider URLs: set XC_DISCOVERY_PROVIDER_URL(S) or pass -urls")
			os.Exit(1)
		}
		if cfg.ProviderUser == "" || cfg.ProviderPass == "" {
			log.Print("Set XC_DISCOVERY_PROVIDER_USER and XC_DISCOVERY_PROVIDER_PASS in .env")
			os.Exit(1)
		}
		if best := probe(ctx, cfg, bases, *probeTimeout); best != "" {
			log.Printf("Use: XC_DISCOVERY_PROVIDER_URL=%s", best)
		} else {
			log.Print("No provider URL answered")
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func mustApp(ctx context.Context, cfg *config.Config) *app {
	a, err := newApp(ctx, cfg)
	if err != nil {
		log.Printf("Startup failed: %v", err)
		os.Exit(1)
	}
	return a
}

func logReport(rep *discovery.SyncReport) {
	for _, cat := range pruneCategories {
		c := rep.Categories[cat]
		if c == nil {
			continue
		}
		log.Printf("%s %s: %d stored, %d updated, %d rejected", rep.Source, cat, c.Stored, c.Updated, c.Rejected)
	}
}

// serve runs the scheduler and the admin API until ctx is canceled.
func serve(ctx context.Context, a *app, syncAtStart, checkHealth bool) error {
	cfg := a.cfg
	if checkHealth {
		checkURL := ""
		if cfg.HasXC() {
			checkURL = playerAPIURL(cfg.ProviderURLs()[0], cfg.ProviderUser, cfg.ProviderPass)
		} else {
			checkURL = cfg.M3UURLOrBuild()
		}
		hctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		err := health.CheckProvider(hctx, checkURL)
		cancel()
		if err != nil {
			log.Printf("Provider health check failed: %v (continuing; scheduled syncs will retry)", err)
		} else {
			log.Print("Provider OK")
		}
	}

	mflag := maintenance.New(cfg.MaintenanceFile)
	sched, err := scheduler.New(ctx, a.logger.Component("scheduler"), func() bool { return !mflag.Enabled() })
	if err != nil {
		return err
	}
	refresh := func(ctx context.Context) error {
		_, err := a.sync(ctx, "")
		return err
	}
	if cfg.RefreshCron != "" {
		if err := sched.RegisterTask(scheduler.TaskConfig{
			ID:         "refresh",
			Name:       "Catalog refresh",
			Cron:       cfg.RefreshCron,
			RunOnStart: syncAtStart,
			Func:       refresh,
		}); err != nil {
			return err
		}
	} else if syncAtStart && !mflag.Enabled() {
		go func() {
			if err := refresh(ctx); err != nil {
				log.Printf("Startup sync failed: %v", err)
			}
		}()
	}
	if cfg.PruneCron != "" {
		if err := sched.RegisterTask(scheduler.TaskConfig{
			ID:   "prune",
			Name: "Prune stale records",
			Cron: cfg.PruneCron,
			Func: func(ctx context.Context) error {
				_, err := a.prune(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}
	if cfg.CheckCron != "" {
		if err := sched.RegisterTask(scheduler.TaskConfig{
			ID:   "check",
			Name: "Stream check",
			Cron: cfg.CheckCron,
			Func: func(ctx context.Context) error {
				_, err := a.check(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Printf("Scheduler stop: %v", err)
		}
	}()

	srv := &admin.Server{
		Addr:        cfg.AdminAddr,
		Engine:      a.engine,
		Maintenance: mflag,
		Scheduler:   sched,
		Gatherer:    a.registry,
		Log:         a.logger.Component("admin"),
	}
	return srv.Run(ctx)
}

// probe checks every base concurrently and returns the first (in configured
// order) that answered, or "".
func probe(ctx context.Context, cfg *config.Config, bases []string, timeout time.Duration) string {
	results := make([]error, len(bases))
	var g errgroup.Group
	g.SetLimit(4)
	for i, base := range bases {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = health.CheckProvider(pctx, playerAPIURL(base, cfg.ProviderUser, cfg.ProviderPass))
			return nil
		})
	}
	_ = g.Wait()
	best := ""
	for i, base := range bases {
		switch err := results[i]; {
		case err == nil:
			log.Printf("OK    %s", hostOf(base))
			if best == "" {
				best = base
			}
		case errors.Is(err, context.DeadlineExceeded):
			log.Printf("SLOW  %s: no answer within %s", hostOf(base), timeout)
		default:
			log.Printf("FAIL  %s: %v", hostOf(base), err)
		}
	}
	return best
}
