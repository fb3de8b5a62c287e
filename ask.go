package askdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/saulotarsus/askdb/internal/budget"
	"github.com/saulotarsus/askdb/internal/engine"
)

// Ask runs the full admission pipeline for one question: input checks, token
// budget, concurrency gate, engine invocation with reconnect-retry, and SQL
// safety validation on the result. Every failure carries a Kind (see
// errors.go); callers classify with KindOf.
func (s *Service) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	startTime := time.Now()
	question := input.Question

	// 1. Reject empty questions before any engine/database work.
	if strings.TrimSpace(question) == "" {
		return nil, s.reject(startTime, failuref(KindEmptyInput, "question must not be empty"))
	}

	// 2. Bound question length.
	if utf8.RuneCountInString(question) > s.config.Admission.MaxQuestionLength {
		return nil, s.reject(startTime, failuref(KindInputTooLong,
			"question too long: %d characters exceeds maximum of %d",
			utf8.RuneCountInString(question), s.config.Admission.MaxQuestionLength))
	}

	// 3. Truncate the fixed schema context and check the token budget.
	// The context is small and fixed, so recomputing per request is fine.
	schemaContext := budget.TruncateTail(s.config.Engine.Context, s.config.Admission.MaxContextTokens, s.estimator)

	if !s.config.Admission.DisableTokenCheck {
		contextTokens := s.estimator.Estimate(schemaContext)
		questionTokens := s.estimator.Estimate(question)
		total := contextTokens + questionTokens + s.config.Admission.MaxResponseTokens
		s.logger.Debug().
			Int("context_tokens", contextTokens).
			Int("question_tokens", questionTokens).
			Int("reserved_response_tokens", s.config.Admission.MaxResponseTokens).
			Int("total_tokens", total).
			Msg("token budget")
		if total > s.config.Admission.TokenCeiling {
			return nil, s.reject(startTime, failuref(KindTokenBudgetExceeded,
				"request exceeds token budget: estimated %d > ceiling %d", total, s.config.Admission.TokenCeiling))
		}
	}

	// 4. Acquire an admission slot (respects context cancellation while waiting).
	select {
	case s.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, s.reject(startTime, &Failure{
			Kind:    KindInternal,
			Message: fmt.Sprintf("cancelled while waiting for one of %d admission slots", cap(s.semaphore)),
			Err:     ctx.Err(),
		})
	}
	defer func() { <-s.semaphore }()

	// 5. Invoke the engine, rebuilding the pool and retrying on
	// connection-level failures.
	answer, err := s.askEngine(ctx, question, schemaContext)
	if err != nil {
		return nil, s.reject(startTime, err)
	}

	// 6. Vet generated SQL before anything is surfaced. A rejection discards
	// the narrative entirely. The engine has already executed the query, so
	// this gate controls trust, not execution (see DESIGN.md).
	if answer.SQL != "" {
		if verr := s.validator.Validate(answer.SQL); verr != nil {
			s.logger.Warn().
				Str("sql", truncateForLog(answer.SQL, 200)).
				Err(verr).
				Msg("generated query blocked")
			return nil, s.reject(startTime, &Failure{
				Kind:    KindUnsafeQueryRejected,
				Message: "generated query was blocked by the safety policy",
				Err:     verr,
			})
		}
	}

	metricRequests.WithLabelValues("ok").Inc()
	metricRequestDuration.Observe(time.Since(startTime).Seconds())
	s.logger.Info().
		Int("question_length", len(question)).
		Str("sql", truncateForLog(answer.SQL, 200)).
		Dur("duration", time.Since(startTime)).
		Msg("question answered")

	return &AskResult{Answer: answer.Text, SQL: answer.SQL}, nil
}

// askEngine calls the engine up to RetryAttempts times. Connection-level
// failures trigger a pool rebuild and a short pause before the next attempt;
// every other failure is surfaced immediately.
func (s *Service) askEngine(ctx context.Context, question, schemaContext string) (*engine.Answer, error) {
	attempts := s.config.Admission.RetryAttempts
	pause := time.Duration(s.config.Admission.RetryPauseSeconds) * time.Second
	if pause < 0 {
		pause = 0
	}
	engineTimeout := time.Duration(s.config.Engine.TimeoutSeconds) * time.Second

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		engCtx, cancel := context.WithTimeout(ctx, engineTimeout)
		answer, err := s.engine.Ask(engCtx, question, s.config.Engine.Model, schemaContext)
		cancel()

		if err == nil {
			metricEngineAttempts.WithLabelValues("ok").Inc()
			return answer, nil
		}

		if errors.Is(err, engine.ErrRetryRequested) {
			// Semantic signal, surfaced as-is: resending is the caller's call.
			metricEngineAttempts.WithLabelValues("retry_requested").Inc()
			return nil, &Failure{
				Kind:    KindModelRetryRequested,
				Message: "the model asked for the question to be resent",
				Err:     err,
			}
		}

		// Errors already classified below (e.g. a pre-execute safety
		// rejection) keep their kind.
		var classified *Failure
		if errors.As(err, &classified) {
			metricEngineAttempts.WithLabelValues(string(classified.Kind)).Inc()
			return nil, err
		}

		// ErrPoolExhausted is a connection-class failure too: it means the
		// engine tried to run the generated SQL while the pool was down.
		if !engine.IsConnectionError(err) && !errors.Is(err, ErrPoolExhausted) {
			metricEngineAttempts.WithLabelValues("error").Inc()
			return nil, &Failure{Kind: KindInternal, Message: "engine call failed", Err: err}
		}

		metricEngineAttempts.WithLabelValues("connection_error").Inc()
		lastErr = err
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("engine call failed with connection error, rebuilding pool")

		if rbErr := s.pool.Rebuild(ctx); rbErr != nil {
			s.logger.Warn().Err(rbErr).Msg("pool rebuild failed, will retry")
		}

		if attempt < attempts {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return nil, &Failure{
					Kind:    KindDatabaseUnavailable,
					Message: "cancelled while waiting to retry",
					Err:     ctx.Err(),
				}
			}
		}
	}

	return nil, &Failure{
		Kind:    KindDatabaseUnavailable,
		Message: fmt.Sprintf("database unavailable after %d reconnect attempts", attempts),
		Err:     lastErr,
	}
}

// reject records the failure in metrics and logs and passes it through.
func (s *Service) reject(startTime time.Time, err error) error {
	kind := KindOf(err)
	metricRequests.WithLabelValues(string(kind)).Inc()
	metricRequestDuration.Observe(time.Since(startTime).Seconds())

	logEvent := s.logger.Warn()
	if kind == KindInternal {
		logEvent = s.logger.Error()
	}
	logEvent.
		Err(err).
		Str("kind", string(kind)).
		Dur("duration", time.Since(startTime)).
		Msg("question rejected")
	return err
}

// truncateForLog truncates a string for log output to avoid oversized log entries.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
