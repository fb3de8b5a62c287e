package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"

	askdb "github.com/saulotarsus/askdb"
)

func runDoctor() error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", ".askdb/config.json", "Path to configuration file")
	fs.Parse(os.Args[2:])

	useColor := isTTY(os.Stderr.Fd())
	return doctor(os.Stderr, useColor, *configPath)
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "askdb %s\n\n", version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'askdb doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printRequestSnippets(w, useColor, config)
	return nil
}

// doctorValidateConfig loads and validates the config file, printing check results.
// Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*askdb.ServerConfig, bool) {
	allPassed := true

	// Check 1: Config file exists and is valid JSON
	data, err := os.ReadFile(configPath)
	if err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file readable (%s)", configPath))
		allPassed = false
		return nil, allPassed
	}
	printCheck(w, useColor, true, fmt.Sprintf("Config file readable (%s)", configPath))

	var config askdb.ServerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file is valid JSON: %v", err))
		allPassed = false
		return nil, allPassed
	}
	printCheck(w, useColor, true, "Config file is valid JSON")

	// Check 2: a database target is configured
	if os.Getenv("ASKDB_PG_CONNSTRING") != "" {
		printCheck(w, useColor, true, "ASKDB_PG_CONNSTRING is set")
	} else if config.Connection.DBName != "" {
		printCheck(w, useColor, true, fmt.Sprintf("connection.dbname is set (%s)", config.Connection.DBName))
	} else {
		printCheck(w, useColor, false, "connection.dbname is set or ASKDB_PG_CONNSTRING exported")
		allPassed = false
	}

	// Check 3: server.port > 0
	if config.Server.Port <= 0 {
		printCheck(w, useColor, false, "server.port is > 0")
		allPassed = false
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("server.port is > 0 (%d)", config.Server.Port))
	}

	// Check 4: safety policy names a table and columns
	if config.Safety.Table == "" {
		printCheck(w, useColor, false, "safety.table is set")
		allPassed = false
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("safety.table is set (%s)", config.Safety.Table))
	}
	if len(config.Safety.AllowedColumns) == 0 {
		printCheck(w, useColor, false, "safety.allowed_columns is non-empty")
		allPassed = false
	} else {
		printCheck(w, useColor, true, fmt.Sprintf("safety.allowed_columns is non-empty (%d columns)", len(config.Safety.AllowedColumns)))
	}

	// Check 5: schema context is available
	if config.Engine.Context != "" {
		printCheck(w, useColor, true, "engine.context is set")
	} else if config.Engine.ContextFile != "" {
		if _, err := os.ReadFile(config.Engine.ContextFile); err != nil {
			printCheck(w, useColor, false, fmt.Sprintf("engine.context_file readable (%s): %v", config.Engine.ContextFile, err))
			allPassed = false
		} else {
			printCheck(w, useColor, true, fmt.Sprintf("engine.context_file readable (%s)", config.Engine.ContextFile))
		}
	} else {
		printCheck(w, useColor, false, "engine.context or engine.context_file is set")
		allPassed = false
	}

	// Check 6: OPENAI_API_KEY exported
	if os.Getenv("OPENAI_API_KEY") == "" {
		printCheck(w, useColor, false, "OPENAI_API_KEY is exported")
		allPassed = false
	} else {
		printCheck(w, useColor, true, "OPENAI_API_KEY is exported")
	}

	// Check 7: Regex patterns compile
	regexOK := true
	for i, rule := range config.Redaction {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			printCheck(w, useColor, false, fmt.Sprintf("redaction[%d] regex compiles: %v", i, err))
			regexOK = false
			allPassed = false
		}
	}
	if regexOK {
		printCheck(w, useColor, true, "All regex patterns compile")
	}

	return &config, allPassed
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	if pass {
		if useColor {
			fmt.Fprintf(w, "  \033[32m✓\033[0m %s\n", msg)
		} else {
			fmt.Fprintf(w, "  ✓ %s\n", msg)
		}
	} else {
		if useColor {
			fmt.Fprintf(w, "  \033[31m✗\033[0m %s\n", msg)
		} else {
			fmt.Fprintf(w, "  ✗ %s\n", msg)
		}
	}
}

// printRequestSnippets prints ready-to-run curl examples for the HTTP endpoints.
func printRequestSnippets(w io.Writer, useColor bool, config *askdb.ServerConfig) {
	port := config.Server.Port
	base := fmt.Sprintf("http://localhost:%d", port)

	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}

	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}

	heading("Request Snippets")
	fmt.Fprintln(w)

	subheading("Ask a question")
	fmt.Fprintf(w, "    curl -X POST %s/ask \\\n", base)
	fmt.Fprintf(w, "      -H 'Content-Type: application/json' \\\n")
	fmt.Fprintf(w, "      -d '{\"question\": \"How many students live in Recife?\"}'\n")
	fmt.Fprintln(w)

	subheading("Health check")
	fmt.Fprintf(w, "    curl %s/healthz\n", base)
	fmt.Fprintln(w)

	subheading("Force a pool reconnect")
	fmt.Fprintf(w, "    curl -X POST %s/reconnect\n", base)
	fmt.Fprintln(w)

	subheading("Prometheus metrics")
	fmt.Fprintf(w, "    curl %s/metrics\n", base)
}
