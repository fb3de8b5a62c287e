package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// scriptedModel serves canned chat completion contents in order, recording
// the user message of each request.
type scriptedModel struct {
	mu       sync.Mutex
	contents []string
	requests []string
	status   int
}

func (m *scriptedModel) handler(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	for _, msg := range req.Messages {
		if msg.Role == openai.ChatMessageRoleUser {
			m.requests = append(m.requests, msg.Content)
		}
	}
	if m.status != 0 {
		status := m.status
		m.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"error": {"message": "scripted failure", "type": "server_error"}}`))
		return
	}
	if len(m.contents) == 0 {
		m.mu.Unlock()
		http.Error(w, "no scripted responses left", http.StatusInternalServerError)
		return
	}
	content := m.contents[0]
	m.contents = m.contents[1:]
	m.mu.Unlock()

	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type scriptedRunner struct {
	rows *Rows
	err  error

	mu    sync.Mutex
	calls []string
}

func (r *scriptedRunner) RunQuery(_ context.Context, sql string) (*Rows, error) {
	r.mu.Lock()
	r.calls = append(r.calls, sql)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.rows, nil
}

func newTestEngine(t *testing.T, model *scriptedModel, runner QueryRunner, config OpenAIConfig) *OpenAIEngine {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(model.handler))
	t.Cleanup(srv.Close)
	config.APIKey = "test-key"
	config.BaseURL = srv.URL + "/v1"
	return NewOpenAIEngine(config, runner, zerolog.Nop())
}

func TestOpenAIEngine_DirectAnswer(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{`{"answer": "There are twelve months in a year."}`}}
	runner := &scriptedRunner{}
	e := newTestEngine(t, model, runner, OpenAIConfig{})

	ans, err := e.Ask(context.Background(), "How many months are there?", "gpt-4o-mini", "schema docs")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != "There are twelve months in a year." {
		t.Errorf("unexpected answer text: %q", ans.Text)
	}
	if ans.SQL != "" {
		t.Errorf("direct answer should carry no SQL, got %q", ans.SQL)
	}
	if len(runner.calls) != 0 {
		t.Errorf("runner should not be called for a direct answer, got %v", runner.calls)
	}
}

func TestOpenAIEngine_RetryRequested(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{`{"retry": true}`}}
	e := newTestEngine(t, model, &scriptedRunner{}, OpenAIConfig{})

	_, err := e.Ask(context.Background(), "???", "gpt-4o-mini", "")
	if !errors.Is(err, ErrRetryRequested) {
		t.Fatalf("want ErrRetryRequested, got %v", err)
	}
}

func TestOpenAIEngine_QueryAndNarrate(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{
		`{"sql": "SELECT name FROM public.students"}`,
		`{"answer": "The students are Ana and Bruno."}`,
	}}
	runner := &scriptedRunner{rows: &Rows{
		Columns: []string{"name"},
		Rows: []map[string]interface{}{
			{"name": "Ana"},
			{"name": "Bruno"},
		},
	}}
	e := newTestEngine(t, model, runner, OpenAIConfig{})

	ans, err := e.Ask(context.Background(), "Who are the students?", "gpt-4o-mini", "schema docs")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.SQL != "SELECT name FROM public.students" {
		t.Errorf("unexpected SQL: %q", ans.SQL)
	}
	if ans.Text != "The students are Ana and Bruno." {
		t.Errorf("unexpected answer text: %q", ans.Text)
	}
	if len(runner.calls) != 1 || runner.calls[0] != "SELECT name FROM public.students" {
		t.Errorf("unexpected runner calls: %v", runner.calls)
	}
	// The narration request must include the returned rows.
	if len(model.requests) != 2 || !strings.Contains(model.requests[1], "Ana") {
		t.Errorf("narration request should carry result rows: %v", model.requests)
	}
}

func TestOpenAIEngine_StripsFencedSQL(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{
		"{\"sql\": \"```sql\\nSELECT name FROM students\\n```\"}",
		`{"answer": "ok"}`,
	}}
	runner := &scriptedRunner{rows: &Rows{Columns: []string{"name"}}}
	e := newTestEngine(t, model, runner, OpenAIConfig{})

	ans, err := e.Ask(context.Background(), "names?", "gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.SQL != "SELECT name FROM students" {
		t.Errorf("fences should be stripped before execution, got %q", ans.SQL)
	}
}

func TestOpenAIEngine_PreExecuteCheck(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{`{"sql": "SELECT secret FROM students"}`}}
	runner := &scriptedRunner{rows: &Rows{}}
	rejected := errors.New("column not allowed")
	e := newTestEngine(t, model, runner, OpenAIConfig{
		PreExecuteCheck: func(sql string) error { return rejected },
	})

	_, err := e.Ask(context.Background(), "secrets?", "gpt-4o-mini", "")
	if !errors.Is(err, rejected) {
		t.Fatalf("want pre-execute rejection, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("rejected SQL must not reach the runner, got %v", runner.calls)
	}
}

func TestOpenAIEngine_RunQueryErrorWrapped(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{`{"sql": "SELECT name FROM students"}`}}
	queryErr := errors.New("connection gone")
	e := newTestEngine(t, model, &scriptedRunner{err: queryErr}, OpenAIConfig{})

	_, err := e.Ask(context.Background(), "names?", "gpt-4o-mini", "")
	if !errors.Is(err, queryErr) {
		t.Fatalf("query error should be wrapped, got %v", err)
	}
}

func TestOpenAIEngine_NarrationFallsBackToRawText(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{
		`{"sql": "SELECT name FROM students"}`,
		`The students are Ana and Bruno.`,
	}}
	runner := &scriptedRunner{rows: &Rows{Columns: []string{"name"}}}
	e := newTestEngine(t, model, runner, OpenAIConfig{})

	ans, err := e.Ask(context.Background(), "names?", "gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != "The students are Ana and Bruno." {
		t.Errorf("non-JSON narration should fall back to raw text, got %q", ans.Text)
	}
}

func TestOpenAIEngine_RecoverableJSONInProse(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{
		`Here is the query: {"sql": "SELECT name FROM students"} as requested.`,
		`{"answer": "done"}`,
	}}
	runner := &scriptedRunner{rows: &Rows{Columns: []string{"name"}}}
	e := newTestEngine(t, model, runner, OpenAIConfig{})

	ans, err := e.Ask(context.Background(), "names?", "gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.SQL != "SELECT name FROM students" {
		t.Errorf("object embedded in prose should be recovered, got %q", ans.SQL)
	}
}

func TestOpenAIEngine_APIErrorSurfaced(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{status: http.StatusInternalServerError}
	e := newTestEngine(t, model, &scriptedRunner{}, OpenAIConfig{})

	_, err := e.Ask(context.Background(), "names?", "gpt-4o-mini", "")
	if err == nil {
		t.Fatal("expected error from failing API")
	}
	if IsConnectionError(err) {
		t.Errorf("model API failure must not classify as database connection error: %v", err)
	}
}

func TestOpenAIEngine_NarrationRowsBounded(t *testing.T) {
	t.Parallel()
	rows := &Rows{Columns: []string{"name"}}
	for i := 0; i < 10; i++ {
		rows.Rows = append(rows.Rows, map[string]interface{}{"name": strings.Repeat("x", i+1)})
	}
	model := &scriptedModel{contents: []string{
		`{"sql": "SELECT name FROM students"}`,
		`{"answer": "ok"}`,
	}}
	e := newTestEngine(t, model, &scriptedRunner{rows: rows}, OpenAIConfig{MaxRowsInPrompt: 3})

	if _, err := e.Ask(context.Background(), "names?", "gpt-4o-mini", ""); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if strings.Contains(model.requests[1], strings.Repeat("x", 4)) {
		t.Errorf("narration prompt should carry at most 3 rows: %s", model.requests[1])
	}
}

func TestOpenAIEngine_RedactsRowsBeforeNarration(t *testing.T) {
	t.Parallel()
	model := &scriptedModel{contents: []string{
		`{"sql": "SELECT name FROM students"}`,
		`{"answer": "ok"}`,
	}}
	runner := &scriptedRunner{rows: &Rows{
		Columns: []string{"name", "email"},
		Rows:    []map[string]interface{}{{"name": "Ana", "email": "ana@example.com"}},
	}}
	e := newTestEngine(t, model, runner, OpenAIConfig{
		RedactRows: func(rows []map[string]interface{}) []map[string]interface{} {
			for _, row := range rows {
				row["email"] = "[EMAIL]"
			}
			return rows
		},
	})

	if _, err := e.Ask(context.Background(), "emails?", "gpt-4o-mini", ""); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if strings.Contains(model.requests[1], "ana@example.com") {
		t.Errorf("raw value leaked into narration prompt: %s", model.requests[1])
	}
	if !strings.Contains(model.requests[1], "[EMAIL]") {
		t.Errorf("redacted value missing from narration prompt: %s", model.requests[1])
	}
}

func TestNewOpenAIEngine_Panics(t *testing.T) {
	t.Parallel()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for empty API key")
			}
		}()
		NewOpenAIEngine(OpenAIConfig{}, &scriptedRunner{}, zerolog.Nop())
	}()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic for nil runner")
			}
		}()
		NewOpenAIEngine(OpenAIConfig{APIKey: "k"}, nil, zerolog.Nop())
	}()
}
