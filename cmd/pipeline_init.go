package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-enricher/internal/cache"
	"github.com/sells-group/corpus-enricher/internal/config"
	"github.com/sells-group/corpus-enricher/internal/db"
	"github.com/sells-group/corpus-enricher/internal/enrich"
	"github.com/sells-group/corpus-enricher/internal/extract"
	"github.com/sells-group/corpus-enricher/internal/queue"
	"github.com/sells-group/corpus-enricher/internal/resilience"
	"github.com/sells-group/corpus-enricher/internal/store"
	anthropicpkg "github.com/sells-group/corpus-enricher/pkg/anthropic"
	"github.com/sells-group/corpus-enricher/pkg/knowledge"
)

// pipelineEnv holds the store, queue and batch runner shared by the serve,
// worker and run commands.
type pipelineEnv struct {
	Store     store.Store
	Queue     queue.Queue // nil for run
	Runner    *enrich.Runner
	Retriever *cache.Retriever
	Cache     *cache.SearchCache
}

// Close releases the queue and the store.
func (pe *pipelineEnv) Close() error {
	var err error
	if pe.Queue != nil {
		err = multierr.Append(err, pe.Queue.Close())
	}
	if pe.Store != nil {
		err = multierr.Append(err, pe.Store.Close())
	}
	return err
}

// initPipeline validates config for mode, opens the store (migrating it),
// the queue when withQueue is set, and builds the runner. Callers should
// defer env.Close().
func initPipeline(ctx context.Context, mode string, withQueue bool) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &pipelineEnv{Store: st}
	if withQueue {
		env.Queue, err = initQueue(ctx, st)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	applyPricing(cfg.Pricing)

	env.Retriever = initRetriever(st)
	env.Cache, err = cache.New(env.Retriever, cfg.Cache.Size)
	if err != nil {
		_ = env.Close()
		return nil, err
	}

	client := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicOptions()...)
	extractor := extract.New(client, extract.Config{
		Model:             cfg.Anthropic.Model,
		MaxTokens:         cfg.Anthropic.MaxTokens,
		VersionTag:        cfg.Worker.VersionTag,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		InitialBackoff:    time.Duration(cfg.Worker.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.Worker.MaxBackoffMs) * time.Millisecond,
		RequestsPerMinute: cfg.Anthropic.RequestsPerMinute,
	})

	env.Runner = enrich.NewRunner(st, env.Cache, extractor, runnerConfig(cfg))

	zap.L().Info("pipeline initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", queueName(env.Queue)),
		zap.Strings("retrieval", cfg.Retrieval.Backends),
		zap.String("model", cfg.Anthropic.Model),
		zap.String("version_tag", cfg.Worker.VersionTag),
	)
	return env, nil
}

func runnerConfig(c *config.Config) enrich.Config {
	return enrich.Config{
		VersionTag:        c.Worker.VersionTag,
		Model:             c.Anthropic.Model,
		BatchSize:         c.Worker.BatchSize,
		KeywordCount:      c.Worker.KeywordCount,
		RetrievalLimit:    c.Retrieval.Limit,
		CheckpointEvery:   c.Worker.CheckpointEvery,
		HeartbeatInterval: c.Worker.HeartbeatInterval(),
	}
}

func anthropicOptions() []anthropicpkg.Option {
	var opts []anthropicpkg.Option
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	return opts
}

func applyPricing(p config.PricingConfig) {
	for model, mp := range p.Anthropic {
		anthropicpkg.SetPricing(model, anthropicpkg.Pricing{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		})
	}
}

// initStore opens the configured store backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolOptions{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initQueue opens the configured dispatch queue. The postgres backend
// shares the store's pool.
func initQueue(ctx context.Context, st store.Store) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemory(cfg.Queue.Buffer), nil
	case "postgres":
		ps, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, eris.New("queue backend postgres requires the postgres store")
		}
		return queue.NewPostgres(ps.Pool(), queue.PostgresOptions{
			Name:         cfg.Queue.Name,
			PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		}), nil
	case "redis":
		return queue.NewRedis(ctx, queue.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Queue.Name,
		})
	default:
		return nil, eris.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}

// initRetriever builds the retrieval fan-out over the configured backends.
func initRetriever(st store.Store) *cache.Retriever {
	rc := cache.DefaultRetrieverConfig()
	rc.Retry = resilience.FromRetryConfig(
		cfg.Retrieval.MaxAttempts,
		cfg.Retrieval.InitialBackoffMs,
		cfg.Retrieval.MaxBackoffMs,
		0, -1,
	)
	rc.Circuit = resilience.FromCircuitConfig(cfg.Retrieval.FailureThreshold, cfg.Retrieval.ResetTimeoutSecs)

	var searchers []cache.Searcher
	for _, b := range cfg.Retrieval.Backends {
		switch b {
		case "knowledge":
			opts := []knowledge.Option{}
			if cfg.Knowledge.Function != "" {
				opts = append(opts, knowledge.WithFunction(cfg.Knowledge.Function))
			}
			if cfg.Knowledge.RetryMax > 0 {
				opts = append(opts, knowledge.WithRetries(cfg.Knowledge.RetryMax, 200*time.Millisecond, 2*time.Second))
			}
			searchers = append(searchers, &cache.KnowledgeSearcher{
				Client: knowledge.NewClient(cfg.Knowledge.BaseURL, cfg.Knowledge.Key, opts...),
			})
		case "corpus":
			searchers = append(searchers, &cache.CorpusSearcher{Store: st})
		}
	}
	return cache.NewRetriever(rc, searchers...)
}

func queueName(q queue.Queue) string {
	switch q.(type) {
	case nil:
		return "none"
	case *queue.MemoryQueue:
		return "memory"
	case *queue.PostgresQueue:
		return "postgres"
	case *queue.RedisQueue:
		return "redis"
	default:
		return "unknown"
	}
}
