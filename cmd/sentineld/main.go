// Command sentineld runs the incident-processing pipeline as a
// long-running daemon, wiring the core components behind a Services
// aggregate the way cmd/pulse wires monitoring, alerts, and the API server
// behind its own top-level main.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/sentineld/internal/config"
	"github.com/rcourtman/sentineld/internal/correlation"
	"github.com/rcourtman/sentineld/internal/dedup"
	"github.com/rcourtman/sentineld/internal/enrichment"
	"github.com/rcourtman/sentineld/internal/escalation"
	"github.com/rcourtman/sentineld/internal/logging"
	"github.com/rcourtman/sentineld/internal/mlclassify"
	"github.com/rcourtman/sentineld/internal/model"
	"github.com/rcourtman/sentineld/internal/notifications"
	"github.com/rcourtman/sentineld/internal/processor"
	"github.com/rcourtman/sentineld/internal/store"
	"github.com/rcourtman/sentineld/internal/subscription"
)

// Version is set at build time with -ldflags, matching the teacher's
// cmd/pulse version-stamping convention.
var Version = "dev"

var configPath string
var envFilePath string

var rootCmd = &cobra.Command{
	Use:     "sentineld",
	Short:   "sentineld - incident processing pipeline",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML file")
	rootCmd.PersistentFlags().StringVar(&envFilePath, "env-file", "", "path to .env file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath, envFilePath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogLevel, true)
	log.Info().Str("version", Version).Msg("starting sentineld")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(cfg)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	proc := processor.New(svc.services, processor.Config{MinMLConfidence: cfg.ML.MinConfidence})

	var wg sync.WaitGroup
	runLoop := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("loop", name).Msg("background loop started")
			fn(ctx)
			log.Info().Str("loop", name).Msg("background loop stopped")
		}()
	}

	if svc.services.Correlation != nil {
		runLoop("correlation-maintenance", svc.services.Correlation.Run)
	}
	if svc.services.Enrichment != nil {
		runLoop("enrichment-cache-purge", svc.services.Enrichment.Run)
	}
	if svc.services.Notifications != nil {
		runLoop("notification-dispatcher", svc.services.Notifications.Run)
	}
	if mem, ok := svc.services.Store.(*store.Memory); ok {
		runLoop("store-prune", func(ctx context.Context) {
			mem.RunPruneLoop(ctx, secs(cfg.Store.PruneIntervalSecs), time.Duration(cfg.Store.RetentionHours)*time.Hour)
		})
	}
	runLoop("config-watch", func(ctx context.Context) {
		watcher := config.NewWatcher(configPath, envFilePath)
		go func() {
			for range watcher.Updates {
				log.Info().Msg("configuration change detected (adapters should re-read derived tunables)")
			}
		}()
		_ = watcher.Run(ctx)
	})
	if svc.services.Subscriptions != nil {
		runLoop("subscription-heartbeat", func(ctx context.Context) {
			go svc.services.Subscriptions.RunHeartbeat(0)
			<-ctx.Done()
			svc.services.Subscriptions.Close()
		})
	}
	runLoop("stdin-ingest", func(ctx context.Context) { ingestFromStdin(ctx, proc) })

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining background loops")
	wg.Wait()
	if svc.sqlite != nil {
		_ = svc.sqlite.Close()
	}
	return nil
}

// wiredServices bundles the processor.Services aggregate plus any
// close()-able resource the daemon owns directly (only the SQLite backend
// today).
type wiredServices struct {
	services processor.Services
	sqlite   *store.SQLite
}

// buildServices constructs every component from cfg as an explicit
// Services aggregate passed to the Processor at construction time, with
// no ambient globals.
func buildServices(cfg *config.Config) (wiredServices, error) {
	var backend store.Store
	var sqliteHandle *store.SQLite
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return wiredServices{}, fmt.Errorf("open sqlite store: %w", err)
		}
		backend = s
		sqliteHandle = s
	default:
		backend = store.NewMemory()
	}

	dedupEngine := dedup.New(backend, dedup.Config{
		WindowSecs:       cfg.Dedup.WindowSecs,
		ReopenWindowSecs: cfg.Dedup.ReopenWindowSecs,
		LabelKeys:        dedup.LabelKeys(cfg.Dedup.LabelKeys),
	}, dedup.NewIncidentFromAlert)

	corrEngine := buildCorrelationEngine(backend, cfg)
	enrichPipeline := buildEnrichmentPipeline(backend, cfg)

	dispatcher := buildDispatcher(backend, cfg)
	escalationEngine := escalation.New(notifications.EscalationNotifier{Dispatcher: dispatcher}, backend)
	registerDefaultPolicy(escalationEngine, cfg)

	mlService := buildMLService(backend, cfg)
	bus := subscription.New()

	return wiredServices{
		services: processor.Services{
			Store:         backend,
			Dedup:         dedupEngine,
			Correlation:   corrEngine,
			Enrichment:    enrichPipeline,
			Escalation:    escalationEngine,
			Notifications: dispatcher,
			ML:            mlService,
			Subscriptions: bus,
		},
		sqlite: sqliteHandle,
	}, nil
}

func buildCorrelationEngine(backend store.Store, cfg *config.Config) *correlation.Engine {
	var strategies []correlation.Strategy
	for _, s := range correlation.DefaultStrategies() {
		switch s.Type() {
		case model.CorrelationTemporal:
			if !cfg.Correlation.EnableTemporal {
				continue
			}
		case model.CorrelationPattern:
			if !cfg.Correlation.EnablePattern {
				continue
			}
		case model.CorrelationSource:
			if !cfg.Correlation.EnableSource {
				continue
			}
		case model.CorrelationFingerprint:
			if !cfg.Correlation.EnableFingerprint {
				continue
			}
		case model.CorrelationTopology:
			if !cfg.Correlation.EnableTopology {
				continue
			}
		}
		strategies = append(strategies, s)
	}

	return correlation.New(backend, strategies, correlation.EngineConfig{
		Strategy: correlation.Config{
			TemporalWindow: secs(cfg.Correlation.WindowSecs),
			MinScore:       cfg.Correlation.MinScore,
			TopologyMaxHop: cfg.Correlation.TopologyMaxHop,
		},
		AutoMerge:           cfg.Correlation.AutoMerge,
		MergeThreshold:      cfg.Correlation.MergeThreshold,
		MaintenanceInterval: secs(cfg.Correlation.MaintenanceIntervalSecs),
		MaxGroupSize:        cfg.Correlation.MaxGroupSize,
	})
}

// secs converts a config field expressed in whole seconds to a
// time.Duration, matching the teacher's config-to-duration conversion at
// its call sites rather than storing time.Duration directly in YAML.
func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ingestFromStdin reads newline-delimited JSON alerts from stdin and feeds
// each one through the Processor, giving the binary a usable default
// adapter (a wrapping shell script or supervisor process feeds alerts in)
// without building a transport layer of its own.
func ingestFromStdin(ctx context.Context, proc *processor.Processor) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var alert model.Alert
		if err := json.Unmarshal(line, &alert); err != nil {
			log.Warn().Err(err).Msg("discarding malformed alert line")
			continue
		}
		id, err := proc.IngestAlert(ctx, &alert)
		if err != nil {
			log.Warn().Err(err).Str("source", alert.Source).Msg("failed to ingest alert")
			continue
		}
		log.Info().Str("incident", id).Str("source", alert.Source).Msg("alert ingested")
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("stdin alert reader stopped")
	}
}

func buildEnrichmentPipeline(backend store.Store, cfg *config.Config) *enrichment.Pipeline {
	var enrichers []enrichment.Enricher
	if cfg.Enrichment.EnableHistorical {
		enrichers = append(enrichers, enrichment.HistoricalSimilarity{Store: backend})
	}
	// ServiceEnricher, TeamEnricher, MetricsEnricher, and LogEnricher each
	// require an injected external accessor; they self-disable via
	// Enabled() until an adapter supplies one, so they are registered
	// unconditionally.
	enrichers = append(enrichers,
		enrichment.ServiceEnricher{},
		enrichment.TeamEnricher{},
		enrichment.MetricsEnricher{},
		enrichment.LogEnricher{},
	)

	return enrichment.New(enrichers, enrichment.PipelineConfig{
		Config: enrichment.Config{
			SimilarityThreshold: cfg.Enrichment.SimilarityThreshold,
			TopK:                cfg.Enrichment.TopK,
			PerEnricherTimeout:  cfg.Enrichment.TimeoutSecs,
		},
		MaxConcurrent:      cfg.Enrichment.MaxConcurrent,
		PerEnricherTimeout: secs(cfg.Enrichment.TimeoutSecs),
		CacheTTL:           secs(cfg.Enrichment.CacheTTLSecs),
	})
}

func buildDispatcher(backend store.Store, cfg *config.Config) *notifications.Dispatcher {
	var senders []notifications.Sender
	if tok := os.Getenv(cfg.Notifications.SlackTokenEnv); tok != "" {
		senders = append(senders, notifications.NewSlackSender(tok))
	}
	if cfg.Notifications.SMTPHost != "" {
		senders = append(senders, &notifications.EmailSender{
			Host:     cfg.Notifications.SMTPHost,
			Port:     cfg.Notifications.SMTPPort,
			From:     cfg.Notifications.SMTPFrom,
			Username: os.Getenv(cfg.Notifications.SMTPUsernameEnv),
			Password: os.Getenv(cfg.Notifications.SMTPPasswordEnv),
		})
	}
	if key := os.Getenv(cfg.Notifications.PagerDutyRoutingKeyEnv); key != "" {
		senders = append(senders, notifications.NewPagerDutySender(key))
	}
	senders = append(senders, notifications.NewWebhookSender(backend))

	return notifications.New(senders, notifications.DispatcherConfig{
		QueueSize:        cfg.Notifications.QueueSize,
		WorkerCount:      cfg.Notifications.WorkerThreads,
		MaxRetries:       cfg.Notifications.MaxRetries,
		RetryBackoffSecs: cfg.Notifications.RetryBackoffSecs,
		RateLimitPerSec:  cfg.Notifications.RateLimitPerSec,
	})
}

func buildMLService(backend store.Store, cfg *config.Config) *mlclassify.Service {
	cache := mlclassify.NewSampleCache(newRedisClientIfConfigured(cfg), "sentineld:ml:samples", cfg.ML.MaxTrainingSamples)
	return mlclassify.New(backend, mlclassify.ServiceConfig{
		RetrainThreshold:   cfg.ML.RetrainThreshold,
		MinConfidence:      cfg.ML.MinConfidence,
		MaxTrainingSamples: cfg.ML.MaxTrainingSamples,
		AutoRetrain:        cfg.ML.AutoRetrain,
		Cache:              cache,
		Feature: mlclassify.FeatureConfig{
			MaxVocabSize: cfg.ML.Feature.MaxVocabSize,
			MinDocFreq:   cfg.ML.Feature.MinDocFreq,
			UseTFIDF:     cfg.ML.Feature.UseTFIDF,
		},
	})
}

// newRedisClientIfConfigured keeps the sample cache's Redis backing opt-in
// purely via ml.redis_addr, with no connection attempted otherwise.
func newRedisClientIfConfigured(cfg *config.Config) *redis.Client {
	if cfg.ML.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.ML.RedisAddr})
}

// registerDefaultPolicy installs a single catch-all escalation policy driven
// by escalation.default_timeout_secs when no richer policy source (a
// policies file, an admin API) is wired in — every incident still gets a
// working escalation flow out of the box.
func registerDefaultPolicy(engine *escalation.Engine, cfg *config.Config) {
	timeout := cfg.Escalation.DefaultTimeoutSecs
	if timeout <= 0 {
		timeout = 900
	}
	_ = engine.RegisterPolicy(model.EscalationPolicy{
		Name: "default",
		Levels: []model.EscalationLevel{
			{Level: 0, Name: "primary-oncall", EscalateAfterSecs: timeout, Channels: []string{"webhook"},
				Targets: []model.Target{{Type: model.TargetOnCall, Identifier: "primary"}}},
			{Level: 1, Name: "secondary-oncall", EscalateAfterSecs: timeout * 2, Channels: []string{"webhook"},
				Targets: []model.Target{{Type: model.TargetOnCall, Identifier: "secondary"}}},
		},
	})
}

