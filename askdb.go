package askdb

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/saulotarsus/askdb/internal/budget"
	"github.com/saulotarsus/askdb/internal/engine"
	"github.com/saulotarsus/askdb/internal/redact"
	"github.com/saulotarsus/askdb/internal/safety"
)

// Service is the question gateway: it admits requests, forwards them to the
// NL-to-SQL engine, and vets generated SQL before anything reaches the
// caller. It owns the connection pool manager; there is no package-level
// mutable state. All exported methods are safe for concurrent use from
// multiple goroutines.
type Service struct {
	config    Config
	pool      *PoolManager
	engine    engine.Engine
	validator *safety.Validator
	estimator budget.Estimator
	semaphore chan struct{}
	logger    zerolog.Logger
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	engineFactory func(engine.QueryRunner) engine.Engine
	estimator     budget.Estimator
}

// WithEngineFactory replaces the default OpenAI engine. The factory receives
// the pool manager as its query runner.
func WithEngineFactory(f func(engine.QueryRunner) engine.Engine) Option {
	return func(o *options) {
		o.engineFactory = f
	}
}

// WithEstimator replaces the default tiktoken estimator.
func WithEstimator(est budget.Estimator) Option {
	return func(o *options) {
		o.estimator = est
	}
}

// New creates a Service and establishes the initial connection pool.
// connString is the PostgreSQL connection string (must include credentials).
// Panics on invalid config. Returns error only for runtime failures (e.g.
// the database being unreachable at startup, which is fatal: the process cannot
// serve traffic without a pool).
func New(ctx context.Context, connString string, config Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	config.applyDefaults()

	// --- Config validation (panics on invalid config) ---

	if config.Admission.MaxConcurrent < 0 {
		panic("askdb: admission.max_concurrent must be > 0")
	}
	if config.Admission.MaxQuestionLength < 0 {
		panic("askdb: admission.max_question_length must be > 0")
	}
	if config.Admission.TokenCeiling < 0 {
		panic("askdb: admission.token_ceiling must be > 0")
	}
	if config.Admission.RetryAttempts < 0 {
		panic("askdb: admission.retry_attempts must be > 0")
	}
	if config.Safety.Table == "" {
		panic("askdb: safety.table must be non-empty")
	}
	if o.engineFactory == nil && config.Engine.APIKey == "" {
		panic("askdb: engine.APIKey must be set unless an engine factory is provided")
	}

	redactionRules := make([]redact.Rule, len(config.Redaction))
	for i, r := range config.Redaction {
		redactionRules[i] = redact.Rule{Pattern: r.Pattern, Replacement: r.Replacement}
	}
	redactor, err := redact.NewRedactor(redactionRules)
	if err != nil {
		panic(fmt.Sprintf("askdb: %v", err))
	}

	validator := safety.NewValidator(safety.Policy{
		Table:             config.Safety.Table,
		Schema:            config.Safety.Schema,
		AllowedColumns:    config.Safety.AllowedColumns,
		ForbiddenKeywords: config.Safety.ForbiddenKeywords,
		ParseCheck:        config.Safety.ParseCheck,
	})

	pool, err := NewPoolManager(ctx, connString, config.Pool, logger)
	if err != nil {
		return nil, err
	}

	estimator := o.estimator
	if estimator == nil {
		tke, err := budget.NewTiktokenEstimator("cl100k_base")
		if err != nil {
			logger.Warn().Err(err).Msg("tiktoken encoding unavailable, using heuristic token estimator")
			estimator = budget.HeuristicEstimator{}
		} else {
			estimator = tke
		}
	}

	var eng engine.Engine
	if o.engineFactory != nil {
		eng = o.engineFactory(pool)
	} else {
		engineConfig := engine.OpenAIConfig{
			APIKey:            config.Engine.APIKey,
			BaseURL:           config.Engine.BaseURL,
			MaxResponseTokens: config.Admission.MaxResponseTokens,
			// Unsafe SQL is blocked before execution, not just before the
			// answer is returned.
			PreExecuteCheck: func(sql string) error {
				if verr := validator.Validate(sql); verr != nil {
					return &Failure{
						Kind:    KindUnsafeQueryRejected,
						Message: "generated query was blocked by the safety policy",
						Err:     verr,
					}
				}
				return nil
			},
		}
		if redactor.HasRules() {
			engineConfig.RedactRows = redactor.RedactRows
		}
		eng = engine.NewOpenAIEngine(engineConfig, pool, logger)
	}

	return &Service{
		config:    config,
		pool:      pool,
		engine:    eng,
		validator: validator,
		estimator: estimator,
		semaphore: make(chan struct{}, config.Admission.MaxConcurrent),
		logger:    logger,
	}, nil
}

// Pool exposes the pool manager for the keep-alive loop and the auxiliary
// health/reconnect endpoints.
func (s *Service) Pool() *PoolManager {
	return s.pool
}

// Close tears down the connection pool. Accepts context for API
// forward-compatibility.
func (s *Service) Close(ctx context.Context) {
	s.pool.Close()
}
