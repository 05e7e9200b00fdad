package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/claims/audit"
	"github.com/liamcoop/claims/claim"
	"github.com/liamcoop/claims/internal/config"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/reasoner"
	"github.com/liamcoop/claims/retrieval"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/workflow"
)

// app holds the process-wide resources. They are built once, shared by
// every run and released in reverse order by Close.
type app struct {
	server  *Server
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, db, err := openAuditStore(cfg.Audit)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	managerOpts := rules.ManagerOptions{
		Source:            cfg.Rules.Path,
		VersionConstraint: cfg.Rules.VersionConstraint,
	}
	if cfg.Rules.Store == "postgres" {
		managerOpts.NewStore = func(key string) rules.RuleStore { return rules.NewPostgresRuleStore(db, key) }
	}

	var pings []func(context.Context) error
	if db != nil {
		pings = append(pings, db.PingContext)
	}

	if cfg.Rules.Cache == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Rules.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, rules cache will miss until it recovers", "addr", cfg.Rules.RedisAddr, "error", err)
		}
		managerOpts.NewCache = func(key string) rules.RulesCache {
			return rules.NewRedisRulesCache(client, key, rules.DefaultCacheConfig())
		}
	}

	manager, err := rules.NewManager(managerOpts)
	if err != nil {
		return nil, fmt.Errorf("load rule set: %w", err)
	}
	validator := rules.NewValidator(manager)

	index, err := buildIndex(ctx, cfg)
	if err != nil {
		return nil, err
	}
	retriever := retrieval.NewRetriever(index, retrieval.Options{
		TopK:        cfg.Retrieval.TopK,
		MaxAttempts: cfg.Retrieval.MaxAttempts,
		BackoffBase: cfg.Retrieval.BackoffBase,
		BackoffMax:  cfg.Retrieval.BackoffMax,
		Timeout:     cfg.Retrieval.Timeout,
	})

	decider := reasoner.New(buildOracle(cfg.Oracle), reasoner.Options{
		MaxAttempts:              cfg.Reasoning.MaxAttempts,
		Timeout:                  cfg.Oracle.Timeout,
		MinConfidence:            *cfg.Reasoning.MinConfidence,
		RequireClauseForApproval: *cfg.Reasoning.RequireClauseForApproval,
		Limits: reasoner.Limits{
			MaxClauses:      cfg.Retrieval.TopK,
			MaxClauseChars:  cfg.Reasoning.MaxClauseChars,
			MaxContextChars: cfg.Reasoning.MaxContextChars,
		},
	})

	orch, err := workflow.New(workflow.Config{
		Normalizer: claim.NewNormalizer(),
		Validator:  validator,
		Retriever:  retriever,
		Reasoner:   decider,
		Store:      store,
	})
	if err != nil {
		return nil, err
	}

	a.server = NewServer(ServerOptions{
		Processor: orch,
		Audit:     store,
		Rules:     manager,
		Ping: func(ctx context.Context) error {
			for _, ping := range pings {
				if err := ping(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	logger.Info("claims service configured",
		"rule_set", manager.Current().Set.Key(),
		"rules_store", cfg.Rules.Store,
		"rules_cache", cfg.Rules.Cache,
		"audit_driver", cfg.Audit.Driver,
		"oracle", cfg.Oracle.Provider,
		"embedder", cfg.Retrieval.Embedder,
	)
	return a, nil
}

// openAuditStore returns the configured store and, for postgres, the
// shared database handle.
func openAuditStore(cfg config.AuditConfig) (audit.Store, *sql.DB, error) {
	switch cfg.Driver {
	case "memory":
		return audit.NewMemoryStore(), nil, nil
	case "sqlite":
		store, err := audit.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "postgres":
		store, err := audit.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
}

func buildIndex(ctx context.Context, cfg config.Config) (*retrieval.MemoryIndex, error) {
	clauses, err := retrieval.LoadCorpus(cfg.Retrieval.CorpusPath)
	if err != nil {
		return nil, fmt.Errorf("load policy corpus: %w", err)
	}

	var embedder retrieval.Embedder
	switch cfg.Retrieval.Embedder {
	case "openai":
		embedder = retrieval.NewOpenAIEmbedder(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Retrieval.EmbeddingModel, cfg.Oracle.RequestsPerSecond)
	default:
		embedder = retrieval.NewHashEmbedder(0, nil)
	}

	index := retrieval.NewMemoryIndex(embedder)
	if err := index.Add(ctx, clauses...); err != nil {
		return nil, fmt.Errorf("index policy corpus: %w", err)
	}
	logger.Info("policy corpus indexed", "path", cfg.Retrieval.CorpusPath, "clauses", index.Len(), "embedder", embedder.Name())
	return index, nil
}

func buildOracle(cfg config.OracleConfig) reasoner.Oracle {
	if cfg.Provider == "static" {
		return reasoner.NewStaticOracle("")
	}
	return reasoner.NewOpenAIOracle(reasoner.OpenAIConfig{
		BaseURL:           cfg.BaseURL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}
