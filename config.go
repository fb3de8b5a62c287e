package askdb

// Config is the base configuration used by library mode via New().
type Config struct {
	Pool      PoolConfig      `json:"pool"`
	Admission AdmissionConfig `json:"admission"`
	Safety    SafetyConfig    `json:"safety"`
	Engine    EngineConfig    `json:"engine"`
	// Redaction rules are applied to result row values before they are
	// embedded in a narration prompt.
	Redaction []RedactionRule `json:"redaction,omitempty"`
}

// RedactionRule replaces every match of Pattern with Replacement in result
// row values before they leave the process.
type RedactionRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connection ConnectionConfig `json:"connection"`
	Server     ServerSettings   `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
type ConnectionConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DBName  string `json:"dbname"`
	SSLMode string `json:"sslmode"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxConns              int    `json:"max_conns"`
	MinConns              int    `json:"min_conns"`
	MaxConnLifetime       string `json:"max_conn_lifetime"`
	MaxConnIdleTime       string `json:"max_conn_idle_time"`
	SearchPath            string `json:"search_path"`
	KeepAliveSeconds      int    `json:"keep_alive_seconds"`
	AcquireTimeoutSeconds int    `json:"acquire_timeout_seconds"`
}

// AdmissionConfig bounds what a single request may cost before it reaches
// the engine.
type AdmissionConfig struct {
	// MaxConcurrent is the number of admission slots. Default 1.
	MaxConcurrent int `json:"max_concurrent"`
	// MaxQuestionLength is the maximum question length in characters. Default 200.
	MaxQuestionLength int `json:"max_question_length"`
	// MaxContextTokens is the ceiling for the truncated schema context. Default 600.
	MaxContextTokens int `json:"max_context_tokens"`
	// MaxResponseTokens is the reserved response budget. Default 1000.
	MaxResponseTokens int `json:"max_response_tokens"`
	// TokenCeiling is the hard cap on estimated total tokens. Default 128000.
	TokenCeiling int `json:"token_ceiling"`
	// DisableTokenCheck skips the token budget check entirely.
	DisableTokenCheck bool `json:"disable_token_check"`
	// RetryAttempts is the total number of engine attempts on connection
	// failure. Default 3.
	RetryAttempts int `json:"retry_attempts"`
	// RetryPauseSeconds is the pause between attempts. Default 1.
	RetryPauseSeconds int `json:"retry_pause_seconds"`
}

// SafetyConfig is the allow-list policy applied to engine-generated SQL.
type SafetyConfig struct {
	Table             string   `json:"table"`
	Schema            string   `json:"schema"`
	AllowedColumns    []string `json:"allowed_columns"`
	ForbiddenKeywords []string `json:"forbidden_keywords"`
	// ParseCheck additionally requires the statement to parse as a single
	// SELECT with PostgreSQL's parser.
	ParseCheck bool `json:"parse_check"`
}

// EngineConfig configures the NL-to-SQL engine collaborator.
type EngineConfig struct {
	// Model is the model identifier sent to the engine. Default "gpt-4o-mini".
	Model string `json:"model"`
	// Context is the fixed schema description forwarded with every question.
	Context string `json:"context"`
	// ContextFile is read by CLI mode into Context when Context is empty.
	ContextFile string `json:"context_file"`
	// TimeoutSeconds caps one engine invocation. Default 120.
	TimeoutSeconds int `json:"timeout_seconds"`
	// APIKey authenticates the default OpenAI engine. Never serialized;
	// CLI mode fills it from the environment.
	APIKey string `json:"-"`
	// BaseURL overrides the engine API endpoint (tests, proxies).
	BaseURL string `json:"base_url"`
}

// ServerSettings holds HTTP server settings for CLI mode.
type ServerSettings struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, stderr, or file path
}

// applyDefaults fills zero values with policy defaults. Negative values are
// left in place for New() to reject.
func (c *Config) applyDefaults() {
	if c.Admission.MaxConcurrent == 0 {
		c.Admission.MaxConcurrent = 1
	}
	if c.Admission.MaxQuestionLength == 0 {
		c.Admission.MaxQuestionLength = 200
	}
	if c.Admission.MaxContextTokens == 0 {
		c.Admission.MaxContextTokens = 600
	}
	if c.Admission.MaxResponseTokens == 0 {
		c.Admission.MaxResponseTokens = 1000
	}
	if c.Admission.TokenCeiling == 0 {
		c.Admission.TokenCeiling = 128000
	}
	if c.Admission.RetryAttempts == 0 {
		c.Admission.RetryAttempts = 3
	}
	if c.Admission.RetryPauseSeconds == 0 {
		c.Admission.RetryPauseSeconds = 1
	}
	c.Pool.applyDefaults()
	if c.Engine.Model == "" {
		c.Engine.Model = "gpt-4o-mini"
	}
	if c.Engine.TimeoutSeconds == 0 {
		c.Engine.TimeoutSeconds = 120
	}
	if len(c.Safety.ForbiddenKeywords) == 0 {
		c.Safety.ForbiddenKeywords = []string{"drop", "delete", "update", "insert", "alter", "truncate"}
	}
	if c.Safety.Schema == "" {
		c.Safety.Schema = "public"
	}
}

// applyDefaults fills zero pool values with policy defaults. NewPoolManager
// calls this itself, so callers constructing a PoolManager directly get the
// same defaults as Service.New. Negative values are left in place to be
// rejected.
func (c *PoolConfig) applyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 5
	}
	if c.MinConns == 0 {
		c.MinConns = 1
	}
	if c.KeepAliveSeconds == 0 {
		c.KeepAliveSeconds = 60
	}
	if c.AcquireTimeoutSeconds == 0 {
		c.AcquireTimeoutSeconds = 10
	}
}
