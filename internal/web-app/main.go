package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go-driftmark/internal/config"
	"go-driftmark/pkg/dcb"
	"go-driftmark/pkg/outbox"
	outboxkafka "go-driftmark/pkg/outbox/kafka"
	"go-driftmark/pkg/processor"
	"go-driftmark/pkg/views"
)

type server struct {
	store   *dcb.EventStore
	runtime *processor.Runtime
	logger  zerolog.Logger
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid database_url")
	}
	pool, err := connectWithRetry(ctx, poolCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	storeOpts := []dcb.Option{storeConfigOption(cfg)}
	if cfg.ReadReplicas.Enabled {
		replicaCfg, err := cfg.ReadReplicas.PoolConfig()
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid read replica configuration")
		}
		replicaPool, err := connectWithRetry(ctx, replicaCfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to read replica")
		}
		defer replicaPool.Close()
		storeOpts = append(storeOpts, dcb.WithReadReplica(replicaPool))
	}

	store, err := dcb.NewEventStore(ctx, pool, storeOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create event store")
	}

	runners, err := buildRunners(cfg, store, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build processors")
	}

	instanceID := processor.NewInstanceID()
	elector := processor.NewLeaderElector(pool, instanceID, 0, logger)
	runtime := processor.NewRuntime(runners, elector, processor.RuntimeConfig{
		LeaderRetryInterval: cfg.LeaderRetryInterval(),
	}, logger)

	srv := &server{store: store, runtime: runtime, logger: logger}
	httpServer := &http.Server{
		Addr:         cfg.Web.Addr,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Run(gCtx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Web.Addr).Str("instance_id", instanceID).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("shutdown with error")
	}
	logger.Info().Msg("shutdown complete")
}

// connectWithRetry waits for the database with exponential backoff so the
// process survives container startup races.
func connectWithRetry(ctx context.Context, poolCfg *pgxpool.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg.MaxConnLifetime = 10 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 60 * time.Second
	err := backoff.Retry(func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn().Err(err).Msg("database not ready, retrying")
			return err
		}
		pool = p
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func storeConfigOption(cfg *config.Config) dcb.Option {
	iso, _ := dcb.ParseIsolationLevel(cfg.Store.TransactionIsolation)
	return dcb.WithConfig(dcb.EventStoreConfig{
		FetchSize:       cfg.Store.FetchSize,
		PersistCommands: cfg.Store.PersistCommands,
		AppendIsolation: iso,
	})
}

// buildRunners assembles the outbox and view processors declared in the
// configuration. View subscriptions resolve against views.DefaultRegistry
// (populated by deployment packages via views.Register, usually from an
// init function in a blank-imported package); a subscription with a
// recorder_table needs no registration and runs the built-in recorder.
func buildRunners(cfg *config.Config, store *dcb.EventStore, pool *pgxpool.Pool, logger zerolog.Logger) ([]*processor.Runner, error) {
	var runners []*processor.Runner

	if len(cfg.Topics) > 0 {
		publishers := map[string]outbox.PublishFunc{}
		if len(cfg.Kafka.Brokers) > 0 {
			kafkaPub, err := outboxkafka.NewPublisher(outboxkafka.Config{
				Brokers: cfg.Kafka.Brokers,
				KeyTag:  cfg.Kafka.KeyTag,
			}, logger)
			if err != nil {
				return nil, err
			}
			publishers["kafka"] = kafkaPub.Publish
		}
		outboxProgress := processor.NewProgressStore(pool, processor.OutboxProgressTable)
		outboxRunners, err := outbox.NewRunners(store, outboxProgress, cfg.Topics,
			publishers, cfg.Outbox.ProcessorConfig(), logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, outboxRunners...)
	}

	if len(cfg.Subscriptions) > 0 {
		projectors := views.DefaultRegistry.Projectors()
		var wired []views.Subscription
		for _, sub := range cfg.Subscriptions {
			if _, ok := projectors[sub.ViewName]; ok {
				wired = append(wired, sub)
				continue
			}
			if sub.RecorderTable != "" {
				recorder, err := views.NewRecorderProjector(sub.RecorderTable)
				if err != nil {
					return nil, err
				}
				projectors[sub.ViewName] = recorder
				wired = append(wired, sub)
				continue
			}
			logger.Warn().Str("view", sub.ViewName).
				Msg("no projector registered and no recorder_table, view skipped")
		}
		viewProgress := processor.NewProgressStore(pool, processor.ViewProgressTable)
		viewRunners, err := views.NewRunners(store, pool, viewProgress, wired,
			projectors, cfg.Views.ProcessorConfig(), logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, viewRunners...)
	}

	return runners, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/processors", s.handleListProcessors)
	mux.HandleFunc("/processors/", s.handleProcessorAction)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.store.CheckConnectionPoolHealth()
	status := http.StatusOK
	body := map[string]interface{}{"status": "ok", "pool": health}
	if !health.Healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

type processorInfo struct {
	processor.Progress
	Backoff processor.BackoffState `json:"backoff"`
	Lag     *int64                 `json:"lag,omitempty"`
}

func (s *server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	infos := make([]processorInfo, 0, len(s.runtime.Runners()))
	for _, runner := range s.runtime.Runners() {
		progress, err := runner.Progress(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info := processorInfo{Progress: progress, Backoff: runner.BackoffState()}
		if lag, err := runner.Lag(r.Context()); err == nil {
			info.Lag = &lag
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleProcessorAction routes /processors/{id}/{action}. Processor ids
// may contain slashes ("topic/publisher"), so the action is the last
// path segment.
func (s *server) handleProcessorAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/processors/")
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 {
		http.Error(w, "expected /processors/{id}/{action}", http.StatusNotFound)
		return
	}
	id, action := rest[:idx], rest[idx+1:]

	runner, ok := s.runtime.Runner(id)
	if !ok {
		http.Error(w, "unknown processor "+id, http.StatusNotFound)
		return
	}

	switch action {
	case "lag":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		lag, err := runner.Lag(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"processor_id": id, "lag": lag})
	case "pause", "resume", "reset":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var err error
		switch action {
		case "pause":
			err = runner.Pause(r.Context())
		case "resume":
			err = runner.Resume(r.Context())
		case "reset":
			err = runner.Reset(r.Context())
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"processor_id": id, "action": action})
	default:
		http.Error(w, "unknown action "+action, http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
