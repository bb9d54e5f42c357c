package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cse-watch/phishmon/capture"
	"github.com/cse-watch/phishmon/classify"
	"github.com/cse-watch/phishmon/config"
	"github.com/cse-watch/phishmon/discovery"
	"github.com/cse-watch/phishmon/domains"
	"github.com/cse-watch/phishmon/enrich"
	"github.com/cse-watch/phishmon/generic"
	"github.com/cse-watch/phishmon/pipeline"
	"github.com/cse-watch/phishmon/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

func main() {
	confFile := flag.String("config", "config/config.yml", "location of configuration file")
	brand := flag.String("brand", "", "brand name (overrides configuration)")
	seed := flag.String("domain", "", "seed domain of the brand (overrides configuration)")
	keywords := flag.String("keywords", "", "comma-separated brand keywords (overrides configuration)")
	report := flag.String("report", "", "write a CSV report to this file after each scan")
	interval := flag.Duration("interval", 0, "re-scan interval; zero runs a single scan")
	count := flag.Int("count", -1, "number of scheduled scans; negative repeats until interrupted")
	flag.Parse()

	conf, err := config.ReadConfig(*confFile)
	if err != nil {
		log.Fatal().Msgf("error while reading configuration: %s", err)
	}
	if *brand != "" {
		conf.Brand.Name = *brand
	}
	if *seed != "" {
		conf.Brand.Seed = *seed
	}
	if *keywords != "" {
		conf.Brand.Keywords = strings.Split(*keywords, ",")
	}
	if conf.Brand.Name == "" || conf.Brand.Seed == "" {
		log.Fatal().Msgf("a brand name and seed domain are required")
	}

	tags := map[string]string{
		"app":   "scan",
		"brand": conf.Brand.Name,
	}
	el := config.NewErrLogChain(config.NewZeroLogger(tags))
	if conf.Sentry.Enabled {
		h, err := config.NewSentryHub(conf.Sentry)
		if err != nil {
			log.Fatal().Msgf("error while creating sentry hub: %s", err)
		}
		el.Add(h.GetLogger(tags))
	}

	st, err := store.NewStore(conf.Store, store.DefaultOpts)
	if err != nil {
		log.Fatal().Msgf("error while creating store: %s", err)
	}
	defer st.Close()

	classifier := classify.New(classify.DefaultModel)

	// verdicts scored by an older model are stale regardless of age
	index := domains.NewIndex(conf.FreshWindow.Std(), classifier.ModelVersion())
	warmIndex(st, index, conf.Brand.Name, conf.FreshWindow.Std())

	gateway, err := enrich.NewGateway(conf.Enrichment, st)
	if err != nil {
		log.Fatal().Msgf("error while creating enrichment gateway: %s", err)
	}

	orch := pipeline.NewOrchestrator(
		conf.Pipeline,
		index,
		gateway,
		classifier,
		capture.NewCoordinator(conf.Capture),
		st,
	).WithMetrics(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info().Msgf("interrupt received, finishing in-flight work")
		cancel()
	}()

	host, _ := os.Hostname()

	runScan := func(t time.Time) error {
		suid := uuid.New().String()
		if err := st.StartScan(suid, conf.Brand.Name, conf.Brand.Seed, conf.Brand.Keywords, host); err != nil {
			return err
		}

		sources := []discovery.Source{
			discovery.NewLookalike(conf.Brand.Seed, conf.Brand.Keywords, conf.Discovery.MaxVariants),
			discovery.NewIdn(conf.Brand.Seed, conf.Discovery.MaxIdnVariants),
		}
		if conf.Discovery.CtEnabled {
			sources = append(sources, discovery.NewCtSource(conf.Discovery.Ct, conf.Brand.Keywords))
		}
		candidates := discovery.Merge(ctx, sources...)

		p := mpb.New()
		bar := p.AddSpinner(0, mpb.SpinnerOnLeft,
			mpb.PrependDecorators(
				decor.Name("verdicts"),
				decor.CurrentNoUnit("%d", decor.WCSyncSpace)))

		orch.WithProgress(func(v *pipeline.Verdict) {
			bar.Increment()
		})

		sum, err := orch.Run(ctx, suid, conf.Brand.Name, candidates)
		bar.Abort(false)
		p.Wait()
		if err != nil {
			el.Log(err, config.LogOptions{Msg: "scan aborted"})
			return err
		}

		if err := st.FinishScan(); err != nil {
			el.Log(err, config.LogOptions{Msg: "error while finishing scan"})
		}

		log.Info().
			Str("scan", sum.ScanId).
			Int("admitted", sum.Admitted).
			Int("duplicates", sum.Duplicates).
			Int("finalized", sum.Finalized).
			Int("failed", sum.Failed).
			Int("captured", sum.Captured).
			Msgf("scan finished")

		if *report != "" {
			if err := writeReport(st, suid, *report); err != nil {
				el.Log(err, config.LogOptions{Msg: "error while writing report"})
			}
		}
		return ctx.Err()
	}

	if *interval <= 0 {
		if err := runScan(time.Now()); err != nil && err != context.Canceled {
			log.Fatal().Msgf("scan failed: %s", err)
		}
		return
	}

	if err := generic.Repeat(ctx, runScan, time.Now(), *interval, *count); err != nil && err != context.Canceled {
		log.Fatal().Msgf("scheduled scans failed: %s", err)
	}
}

// warmIndex seeds the dedup index with completion times from previous scans,
// so restarting does not re-process fresh verdicts.
func warmIndex(st *store.Store, index *domains.Index, brand string, window time.Duration) {
	verdicts, err := st.RecentVerdicts(brand, time.Now().Add(-window))
	if err != nil {
		log.Error().Msgf("failed to warm dedup index: %s", err)
		return
	}
	index.Warm(brand, verdicts)
	log.Info().Msgf("warmed dedup index with %d stored verdicts", len(verdicts))
}

func writeReport(st *store.Store, suid, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := st.Report(suid, f); err != nil {
		return err
	}
	log.Info().Str("path", path).Msgf("wrote scan report")
	return nil
}
