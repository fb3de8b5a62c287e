// Package engine defines the natural-language-to-SQL engine contract the
// gateway depends on, and an OpenAI-backed implementation of it.
package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	openai "github.com/sashabaranov/go-openai"
)

// Answer is what an engine returns for one question: a narrative answer and,
// when the engine consulted the database, the SQL statement it generated.
type Answer struct {
	Text string
	SQL  string
}

// Engine translates a natural-language question plus a schema context into
// an Answer. Implementations may execute generated SQL against the database
// as part of answering.
type Engine interface {
	Ask(ctx context.Context, question, model, schemaContext string) (*Answer, error)
}

// QueryRunner executes a SQL statement and returns its result set.
// The gateway's pool manager implements this.
type QueryRunner interface {
	RunQuery(ctx context.Context, sql string) (*Rows, error)
}

// Rows is a collected result set.
type Rows struct {
	Columns []string
	Rows    []map[string]interface{}
}

// ErrRetryRequested is a semantic signal from the engine: the model asked the
// caller to resend the question. It is not a connection failure and the
// gateway never retries it internally.
var ErrRetryRequested = errors.New("engine: model requested retry")

// IsConnectionError reports whether err is a connection-level database
// failure, i.e. one that a pool rebuild plus retry can recover from.
// Model/API errors and semantic failures are excluded.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// API transport failures are the model's problem, not the database's.
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception; 57P01/57P02/57P03 are server shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return pgconn.SafeToRetry(err)
}
