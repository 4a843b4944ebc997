// Command shadowforged is the shadow-writing pipeline service process: it
// wires configuration, telemetry, logging, key pools, the LLM client, the
// task store, the event bus, the orchestrator, the HTTP control plane, and
// an optional Kafka command-intake consumer, then serves until signaled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/shadowforge/shadowforge/internal/archive"
	"github.com/shadowforge/shadowforge/internal/chunker"
	"github.com/shadowforge/shadowforge/internal/config"
	"github.com/shadowforge/shadowforge/internal/eventbus"
	"github.com/shadowforge/shadowforge/internal/fetch"
	"github.com/shadowforge/shadowforge/internal/httpapi"
	"github.com/shadowforge/shadowforge/internal/keypool"
	"github.com/shadowforge/shadowforge/internal/llmclient"
	"github.com/shadowforge/shadowforge/internal/llmclient/anthropic"
	"github.com/shadowforge/shadowforge/internal/llmclient/google"
	"github.com/shadowforge/shadowforge/internal/llmclient/openai"
	"github.com/shadowforge/shadowforge/internal/monitor"
	"github.com/shadowforge/shadowforge/internal/observability"
	"github.com/shadowforge/shadowforge/internal/orchestrator"
	"github.com/shadowforge/shadowforge/internal/taskstore"
	"github.com/shadowforge/shadowforge/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shadowforged: config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTEL)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	mon := monitor.New()
	pools, backends, err := buildProviders(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("provider setup failed")
	}

	llmClient, err := llmclient.New(llmclient.Config{
		PurposeMap:   cfg.PurposeMap,
		Pools:        pools,
		Backends:     backends,
		Monitor:      mon,
		StageTimeout: cfg.StageTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("llmclient construction failed")
	}

	pool, err := taskstore.OpenPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool open failed")
	}
	defer pool.Close()
	store := taskstore.NewStore(pool)
	if err := store.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres schema init failed")
	}

	bus, err := eventbus.New(ctx, eventbus.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
		MaxMessages: cfg.SSE.MaxMessagesPerTask, TTL: cfg.EventTTL(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("event bus construction failed")
	}
	defer bus.Close()

	var archiveSink archive.Sink
	if cfg.S3.Bucket != "" {
		sink, err := archive.NewS3Sink(ctx, cfg.S3)
		if err != nil {
			log.Error().Err(err).Msg("archive sink construction failed, archival disabled")
		} else {
			archiveSink = sink
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Client:  llmClient,
		Store:   store,
		Events:  bus,
		Archive: archiveSink,
		ChunkConfig: chunker.Config{
			Min: cfg.Chunk.Min, Max: cfg.Chunk.Max, Target: cfg.Chunk.Target,
		},
		MaxConcurrent: cfg.MaxOutbound(),
	})

	var fetcher httpapi.Fetcher
	if cfg.Fetch.Enabled {
		fetcher = fetch.New(fetch.Config{
			Timeout:         time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
			ChromedpEnabled: true,
		})
	}

	server := httpapi.NewServer(httpapi.Config{
		Tasks:     store,
		Events:    bus,
		Processor: orch,
		Fetcher:   fetcher,
		NewTaskID: uuid.NewString,
	})

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: server}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	var kafkaProducer *kafka.Writer
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.CommandTopic != "" {
		kafkaProducer = &kafka.Writer{Addr: kafka.TCP(cfg.Kafka.Brokers...), Balancer: &kafka.LeastBytes{}}
		dedupe, err := orchestrator.NewRedisDedupeStore(cfg.Redis.Addr)
		if err != nil {
			log.Error().Err(err).Msg("kafka dedupe store construction failed, kafka intake disabled")
		} else {
			runner := orchestrator.NewRunner(orch, store, uuid.NewString)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := orchestrator.StartKafkaConsumer(
					ctx, cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommandTopic,
					kafkaProducer, runner, dedupe, cfg.MaxOutbound(), cfg.Kafka.DefaultReplyTopic,
					5*time.Minute, cfg.OverallTimeout(),
				); err != nil && err != context.Canceled {
					log.Error().Err(err).Msg("kafka consumer stopped")
				}
			}()
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka producer close failed")
		}
	}
	wg.Wait()
}

// buildProviders constructs one key pool and one backend per configured
// provider, dispatching on provider name the way the teacher's llm package
// dispatches per-vendor clients.
func buildProviders(cfg config.Config) (map[string]*keypool.Pool, map[string]llmclient.Backend, error) {
	pools := make(map[string]*keypool.Pool, len(cfg.Providers))
	backends := make(map[string]llmclient.Backend, len(cfg.Providers))

	for name, provider := range cfg.Providers {
		if len(provider.APIKeys) == 0 {
			return nil, nil, fmt.Errorf("provider %q has no api_keys configured", name)
		}
		records := make([]*keypool.Record, 0, len(provider.APIKeys))
		for i, key := range provider.APIKeys {
			records = append(records, keypool.NewRecord(fmt.Sprintf("%s-%d", name, i), key, name))
		}
		pools[name] = keypool.NewPool(name, records)

		switch name {
		case "anthropic":
			backends[name] = anthropic.New(provider.BaseURL)
		case "openai":
			backends[name] = openai.New(provider.BaseURL)
		case "google":
			backends[name] = google.New(provider.BaseURL)
		default:
			return nil, nil, fmt.Errorf("provider %q has no known backend implementation", name)
		}
	}
	return pools, backends, nil
}
