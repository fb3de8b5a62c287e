package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-backed engine.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint. Empty means api.openai.com.
	BaseURL string
	// MaxResponseTokens caps completion length for both the SQL generation
	// and the narration call.
	MaxResponseTokens int
	// MaxRowsInPrompt bounds how many result rows are fed back to the model
	// for narration. Zero means 50.
	MaxRowsInPrompt int
	// PreExecuteCheck, when set, is called with the generated SQL before it
	// is executed. A non-nil return aborts the request with that error.
	// When unset, generated SQL runs unchecked and vetting happens on the
	// returned Answer only (validate-after-execute).
	PreExecuteCheck func(sql string) error
	// RedactRows, when set, rewrites result rows before they are embedded
	// in the narration prompt.
	RedactRows func(rows []map[string]interface{}) []map[string]interface{}
}

// OpenAIEngine answers questions by asking a chat model to generate SQL,
// executing it through a QueryRunner, and asking the model to narrate the
// result rows. Safe for concurrent use.
type OpenAIEngine struct {
	client *openai.Client
	runner QueryRunner
	config OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAIEngine creates an OpenAIEngine. Panics on missing API key or runner.
func NewOpenAIEngine(config OpenAIConfig, runner QueryRunner, logger zerolog.Logger) *OpenAIEngine {
	if config.APIKey == "" {
		panic("engine: OpenAIConfig.APIKey must be non-empty")
	}
	if runner == nil {
		panic("engine: runner must be non-nil")
	}
	if config.MaxResponseTokens <= 0 {
		config.MaxResponseTokens = 1000
	}
	if config.MaxRowsInPrompt <= 0 {
		config.MaxRowsInPrompt = 50
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(clientConfig),
		runner: runner,
		config: config,
		logger: logger,
	}
}

// generation is the JSON shape the model is instructed to produce on the
// first call.
type generation struct {
	SQL    string `json:"sql"`
	Answer string `json:"answer"`
	Retry  bool   `json:"retry"`
}

// narration is the JSON shape of the second call.
type narration struct {
	Answer string `json:"answer"`
}

const generateSystemPrompt = `You answer questions about a database. ` +
	`Reply with strict JSON only, no prose outside the JSON. ` +
	`If answering requires querying the database, reply {"sql": "<one SELECT statement>"}. ` +
	`If the question can be answered without a query, reply {"answer": "<text>"}. ` +
	`If the question is ambiguous and must be rephrased, reply {"retry": true}.`

const narrateSystemPrompt = `You are given a question and the rows a SQL query returned for it. ` +
	`Reply with strict JSON only: {"answer": "<narrative answer, include a small table in the text if helpful>"}.`

// Ask implements Engine.
func (e *OpenAIEngine) Ask(ctx context.Context, question, model, schemaContext string) (*Answer, error) {
	gen, err := e.generate(ctx, question, model, schemaContext)
	if err != nil {
		return nil, err
	}
	if gen.Retry {
		return nil, ErrRetryRequested
	}
	if gen.SQL == "" {
		return &Answer{Text: gen.Answer}, nil
	}

	sql := stripFences(gen.SQL)

	if e.config.PreExecuteCheck != nil {
		if err := e.config.PreExecuteCheck(sql); err != nil {
			return nil, err
		}
	}

	rows, err := e.runner.RunQuery(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("execute generated SQL: %w", err)
	}

	text, err := e.narrate(ctx, question, model, rows)
	if err != nil {
		return nil, err
	}
	return &Answer{Text: text, SQL: sql}, nil
}

// generate runs the first completion: question + schema context -> SQL or answer.
func (e *OpenAIEngine) generate(ctx context.Context, question, model, schemaContext string) (*generation, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0,
		MaxTokens:   e.config.MaxResponseTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: generateSystemPrompt + "\n\n" + schemaContext},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	content := resp.Choices[0].Message.Content

	var gen generation
	if err := json.Unmarshal([]byte(stripFences(content)), &gen); err != nil {
		// Some models wrap or trail the JSON; try to recover the object.
		if obj := extractObject(content); obj != "" {
			if err2 := json.Unmarshal([]byte(obj), &gen); err2 == nil {
				return &gen, nil
			}
		}
		return nil, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	return &gen, nil
}

// narrate runs the second completion: question + result rows -> narrative text.
func (e *OpenAIEngine) narrate(ctx context.Context, question, model string, rows *Rows) (string, error) {
	bounded := rows.Rows
	if len(bounded) > e.config.MaxRowsInPrompt {
		bounded = bounded[:e.config.MaxRowsInPrompt]
	}
	if e.config.RedactRows != nil {
		bounded = e.config.RedactRows(bounded)
	}
	rowsJSON, err := json.Marshal(map[string]interface{}{
		"columns": rows.Columns,
		"rows":    bounded,
	})
	if err != nil {
		return "", fmt.Errorf("marshal result rows: %w", err)
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0,
		MaxTokens:   e.config.MaxResponseTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: narrateSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Question: " + question + "\nRows: " + string(rowsJSON)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("narration completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("narration completion returned no choices")
	}

	var n narration
	content := stripFences(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &n); err != nil || n.Answer == "" {
		// Fall back to the raw completion text rather than failing the request.
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}
	return n.Answer, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the language tag line (```json etc).
		if !strings.ContainsAny(s[:i], "{}") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced {...} object in s, or "".
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
