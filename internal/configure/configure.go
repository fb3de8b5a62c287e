// Package configure implements the interactive configuration wizard behind
// "askdb configure".
package configure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	askdb "github.com/saulotarsus/askdb"
)

// Run runs the interactive configuration wizard.
// Reads existing config (if any), prompts for each field,
// writes updated config to the given path.
func Run(configPath string) error {
	return run(configPath, os.Stdin, os.Stderr)
}

func run(configPath string, input io.Reader, output io.Writer) error {
	scanner := bufio.NewScanner(input)
	cfg, isNew := loadExisting(configPath)
	if isNew {
		applyDefaults(cfg)
	}

	p := &prompter{
		scanner: scanner,
		output:  output,
		isNew:   isNew,
	}

	fmt.Fprintf(output, "askdb configuration wizard\n")
	fmt.Fprintf(output, "Config file: %s\n\n", configPath)

	// Connection
	fmt.Fprintf(output, "=== Connection ===\n")
	cfg.Connection.Host = p.promptString("connection.host", cfg.Connection.Host)
	cfg.Connection.Port = p.promptPositiveInt("connection.port", cfg.Connection.Port, "must be > 0")
	cfg.Connection.DBName = p.promptStringWithHint("connection.dbname", cfg.Connection.DBName, "required")
	cfg.Connection.SSLMode = p.promptEnum("connection.sslmode", cfg.Connection.SSLMode, sslModes)

	// Server
	fmt.Fprintf(output, "\n=== Server ===\n")
	cfg.Server.Port = p.promptPositiveInt("server.port", cfg.Server.Port, "must be > 0")
	cfg.Server.AllowedOrigins = p.promptStringList("server.allowed_origins", cfg.Server.AllowedOrigins)

	// Logging
	fmt.Fprintf(output, "\n=== Logging ===\n")
	cfg.Logging.Level = p.promptEnum("logging.level", cfg.Logging.Level, logLevels)
	cfg.Logging.Format = p.promptEnum("logging.format", cfg.Logging.Format, logFormats)
	cfg.Logging.Output = p.promptStringWithHint("logging.output", cfg.Logging.Output, "stdout, stderr, or file path")

	// Pool
	fmt.Fprintf(output, "\n=== Pool ===\n")
	cfg.Pool.MaxConns = p.promptPositiveInt("pool.max_conns", cfg.Pool.MaxConns, "must be > 0")
	cfg.Pool.MinConns = p.promptNonNegativeInt("pool.min_conns", cfg.Pool.MinConns, "must be >= 0")
	cfg.Pool.MaxConnLifetime = p.promptDuration("pool.max_conn_lifetime", cfg.Pool.MaxConnLifetime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.MaxConnIdleTime = p.promptDuration("pool.max_conn_idle_time", cfg.Pool.MaxConnIdleTime, "Go duration: e.g. 1h, 30m, 1h30m")
	cfg.Pool.SearchPath = p.promptStringWithHint("pool.search_path", cfg.Pool.SearchPath, "schema namespace, empty = server default")
	cfg.Pool.KeepAliveSeconds = p.promptPositiveInt("pool.keep_alive_seconds", cfg.Pool.KeepAliveSeconds, "seconds, must be > 0")

	// Admission
	fmt.Fprintf(output, "\n=== Admission ===\n")
	cfg.Admission.MaxConcurrent = p.promptPositiveInt("admission.max_concurrent", cfg.Admission.MaxConcurrent, "must be > 0")
	cfg.Admission.MaxQuestionLength = p.promptPositiveInt("admission.max_question_length", cfg.Admission.MaxQuestionLength, "characters, must be > 0")
	cfg.Admission.MaxContextTokens = p.promptPositiveInt("admission.max_context_tokens", cfg.Admission.MaxContextTokens, "tokens, must be > 0")
	cfg.Admission.MaxResponseTokens = p.promptPositiveInt("admission.max_response_tokens", cfg.Admission.MaxResponseTokens, "tokens, must be > 0")
	cfg.Admission.TokenCeiling = p.promptPositiveInt("admission.token_ceiling", cfg.Admission.TokenCeiling, "tokens, must be > 0")
	cfg.Admission.RetryAttempts = p.promptPositiveInt("admission.retry_attempts", cfg.Admission.RetryAttempts, "must be > 0")

	// Engine
	fmt.Fprintf(output, "\n=== Engine ===\n")
	cfg.Engine.Model = p.promptStringWithHint("engine.model", cfg.Engine.Model, "e.g. gpt-4o-mini")
	cfg.Engine.ContextFile = p.promptStringWithHint("engine.context_file", cfg.Engine.ContextFile, "path to schema description text")
	cfg.Engine.BaseURL = p.promptStringWithHint("engine.base_url", cfg.Engine.BaseURL, "empty = api.openai.com")
	cfg.Engine.TimeoutSeconds = p.promptPositiveInt("engine.timeout_seconds", cfg.Engine.TimeoutSeconds, "seconds, must be > 0")

	// Safety
	fmt.Fprintf(output, "\n=== Safety ===\n")
	cfg.Safety.Table = p.promptStringWithHint("safety.table", cfg.Safety.Table, "required, the only queryable table")
	cfg.Safety.Schema = p.promptString("safety.schema", cfg.Safety.Schema)
	fmt.Fprintf(output, "\nsafety.allowed_columns\n")
	cfg.Safety.AllowedColumns = p.promptStringList("safety.allowed_columns", cfg.Safety.AllowedColumns)
	fmt.Fprintf(output, "\nsafety.forbidden_keywords\n")
	cfg.Safety.ForbiddenKeywords = p.promptStringList("safety.forbidden_keywords", cfg.Safety.ForbiddenKeywords)
	cfg.Safety.ParseCheck = p.promptBool("safety.parse_check", cfg.Safety.ParseCheck)

	// Redaction
	fmt.Fprintf(output, "\n=== Redaction Rules ===\n")
	cfg.Redaction = p.promptRedactionRules(cfg.Redaction)

	// Write config
	if err := writeConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(output, "\nConfiguration saved to %s\n", configPath)
	return nil
}

func loadExisting(configPath string) (*askdb.ServerConfig, bool) {
	cfg := &askdb.ServerConfig{}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, true
	}
	// Ignore unmarshal errors and start with whatever was parseable.
	_ = json.Unmarshal(data, cfg)
	return cfg, false
}

// applyDefaults sets sensible default values for a new configuration.
func applyDefaults(cfg *askdb.ServerConfig) {
	cfg.Connection.Host = "localhost"
	cfg.Connection.Port = 5432
	cfg.Connection.SSLMode = "prefer"
	cfg.Server.Port = 8000
	cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"
	cfg.Pool.MaxConns = 5
	cfg.Pool.MinConns = 1
	cfg.Pool.MaxConnLifetime = "1h"
	cfg.Pool.MaxConnIdleTime = "30m"
	cfg.Pool.KeepAliveSeconds = 60
	cfg.Admission.MaxConcurrent = 1
	cfg.Admission.MaxQuestionLength = 200
	cfg.Admission.MaxContextTokens = 600
	cfg.Admission.MaxResponseTokens = 1000
	cfg.Admission.TokenCeiling = 128000
	cfg.Admission.RetryAttempts = 3
	cfg.Engine.Model = "gpt-4o-mini"
	cfg.Engine.TimeoutSeconds = 120
	cfg.Safety.Schema = "public"
	cfg.Safety.ForbiddenKeywords = []string{"drop", "delete", "update", "insert", "alter", "truncate"}
}

var (
	sslModes   = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"json", "text"}
)

func writeConfig(configPath string, cfg *askdb.ServerConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Append trailing newline.
	data = append(data, '\n')

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", configPath, err)
	}

	return nil
}

// prompter handles reading user input and displaying prompts.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) promptString(field string, current string) string {
	fmt.Fprintf(p.output, "%s (%s: %q): ", field, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

func (p *prompter) promptStringWithHint(field string, current string, hint string) string {
	fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
	input := p.readLine()
	if input == "" {
		return current
	}
	return input
}

func (p *prompter) promptPositiveInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val <= 0 {
			fmt.Fprintf(p.output, "  Value must be > 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptNonNegativeInt(field string, current int, hint string) int {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %d): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		val, err := strconv.Atoi(input)
		if err != nil {
			fmt.Fprintf(p.output, "  Invalid integer %q, try again.\n", input)
			continue
		}
		if val < 0 {
			fmt.Fprintf(p.output, "  Value must be >= 0, try again.\n")
			continue
		}
		return val
	}
}

func (p *prompter) promptBool(field string, current bool) bool {
	for {
		fmt.Fprintf(p.output, "%s (%s: %v): ", field, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		switch strings.ToLower(input) {
		case "true", "t", "yes", "y", "1":
			return true
		case "false", "f", "no", "n", "0":
			return false
		default:
			fmt.Fprintf(p.output, "  Invalid value %q, use true/false/yes/no, try again.\n", input)
		}
	}
}

func (p *prompter) promptDuration(field string, current string, hint string) string {
	for {
		fmt.Fprintf(p.output, "%s [%s] (%s: %q): ", field, hint, p.valueLabel(), current)
		input := p.readLine()
		if input == "" {
			return current
		}
		if _, err := time.ParseDuration(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid Go duration %q, try again.\n", input)
			continue
		}
		return input
	}
}

func (p *prompter) promptEnum(field string, current string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "%s (%s: %q, options: %s): ", field, p.valueLabel(), current, strings.Join(allowed, ", "))
		input := p.readLine()
		if input == "" {
			return current
		}
		for _, v := range allowed {
			if input == v {
				return input
			}
		}
		fmt.Fprintf(p.output, "  Invalid value %q, must be one of: %s\n", input, strings.Join(allowed, ", "))
	}
}

// Array field editors

func (p *prompter) promptStringList(label string, current []string) []string {
	items := current
	for {
		p.displayStrings(items)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			value := p.promptNewField("value")
			if value != "" {
				items = append(items, value)
			}
		case "r":
			items = removeByIndex(p, label, items)
		case "c", "":
			return items
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayStrings(items []string) {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, s := range items {
		fmt.Fprintf(p.output, "  [%d] %q\n", i, s)
	}
}

func (p *prompter) promptRedactionRules(current []askdb.RedactionRule) []askdb.RedactionRule {
	rules := current
	for {
		p.displayRedactionRules(rules)
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		choice := strings.ToLower(p.readLine())
		switch choice {
		case "a":
			pattern := p.promptNewRegexField("pattern")
			replacement := p.promptNewField("replacement")
			rules = append(rules, askdb.RedactionRule{
				Pattern:     pattern,
				Replacement: replacement,
			})
		case "r":
			rules = removeByIndex(p, "redaction rule", rules)
		case "c", "":
			return rules
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func (p *prompter) displayRedactionRules(rules []askdb.RedactionRule) {
	if len(rules) == 0 {
		fmt.Fprintf(p.output, "  (no entries)\n")
		return
	}
	for i, r := range rules {
		fmt.Fprintf(p.output, "  [%d] pattern=%q replacement=%q\n", i, r.Pattern, r.Replacement)
	}
}

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

func (p *prompter) promptNewRegexField(name string) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" {
			return ""
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

// removeByIndex is a generic helper for removing an element by index from a slice.
func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	input := p.readLine()
	idx, err := strconv.Atoi(input)
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx], items[idx+1:]...)
}
