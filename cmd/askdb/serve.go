package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	askdb "github.com/saulotarsus/askdb"
)

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if serverConfig.Server.Port <= 0 {
		panic("askdb: server.port must be > 0")
	}

	// 2. Resolve connection string
	connString := os.Getenv("ASKDB_PG_CONNSTRING")
	if connString == "" {
		username := promptInput("Username: ")
		password := promptPassword("Password: ")
		connString = buildConnString(serverConfig.Connection, username, password)
	}

	// 3. Setup logger
	logger := setupLogger(serverConfig.Logging)

	// 4. Resolve schema context and engine credentials
	if serverConfig.Engine.Context == "" && serverConfig.Engine.ContextFile != "" {
		data, err := os.ReadFile(serverConfig.Engine.ContextFile)
		if err != nil {
			return fmt.Errorf("failed to read context file %s: %w", serverConfig.Engine.ContextFile, err)
		}
		serverConfig.Engine.Context = string(data)
	}
	serverConfig.Engine.APIKey = os.Getenv("OPENAI_API_KEY")
	if serverConfig.Engine.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	// 5. Create the service (fails if the database is unreachable)
	svc, err := askdb.New(ctx, connString, serverConfig.Config, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer svc.Close(context.Background())
	logger.Info().Msg("database connection established")

	// 6. Background keep-alive loop
	go svc.Pool().KeepAlive(ctx)

	// 7. Routes
	r := mux.NewRouter()
	r.HandleFunc("/ask", askHandler(svc, logger)).Methods(http.MethodPost)
	r.HandleFunc("/healthz", healthHandler(svc)).Methods(http.MethodGet)
	r.HandleFunc("/reconnect", reconnectHandler(svc, logger)).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	origins := serverConfig.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}).Handler(r)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", serverConfig.Server.Port),
		Handler: handler,
	}

	// 8. Serve until signalled
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", serverConfig.Server.Port).Msg("starting askdb server")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

type askResponse struct {
	Answer    string `json:"answer,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func askHandler(svc *askdb.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input askdb.AskInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeJSON(w, http.StatusBadRequest, askResponse{Error: "invalid JSON body", Kind: "invalid_request"})
			return
		}

		result, err := svc.Ask(r.Context(), input)
		if err != nil {
			kind := askdb.KindOf(err)
			writeJSON(w, statusForKind(kind), askResponse{
				Error:     askdb.PublicMessage(err),
				Kind:      string(kind),
				Retryable: kind.Retryable(),
			})
			return
		}
		writeJSON(w, http.StatusOK, askResponse{Answer: result.Answer})
	}
}

func healthHandler(svc *askdb.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := svc.Pool().Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, askdb.HealthStatus{Status: "unavailable", Detail: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, askdb.HealthStatus{Status: "ok"})
	}
}

func reconnectHandler(svc *askdb.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Pool().Rebuild(r.Context()); err != nil {
			logger.Error().Err(err).Msg("forced reconnect failed")
			writeJSON(w, http.StatusInternalServerError, askdb.HealthStatus{Status: "error", Detail: "reconnect failed"})
			return
		}
		writeJSON(w, http.StatusOK, askdb.HealthStatus{Status: "ok"})
	}
}

// statusForKind maps a failure kind to an HTTP status code.
func statusForKind(kind askdb.Kind) int {
	switch kind {
	case askdb.KindEmptyInput, askdb.KindInputTooLong, askdb.KindTokenBudgetExceeded, askdb.KindUnsafeQueryRejected:
		return http.StatusBadRequest
	case askdb.KindDatabaseUnavailable, askdb.KindModelRetryRequested:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func loadServerConfig() (*askdb.ServerConfig, error) {
	configPath := os.Getenv("ASKDB_CONFIG_PATH")
	if configPath == "" {
		configPath = ".askdb/config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config askdb.ServerConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

func buildConnString(conn askdb.ConnectionConfig, username, password string) string {
	parts := []string{}
	if conn.Host != "" {
		parts = append(parts, fmt.Sprintf("host=%s", conn.Host))
	}
	if conn.Port > 0 {
		parts = append(parts, fmt.Sprintf("port=%d", conn.Port))
	}
	if conn.DBName != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", conn.DBName))
	}
	if username != "" {
		parts = append(parts, fmt.Sprintf("user=%s", username))
	}
	if password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", password))
	}
	if conn.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", conn.SSLMode))
	}
	return strings.Join(parts, " ")
}

func setupLogger(config askdb.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var output io.Writer = os.Stderr
	if config.Output == "stdout" {
		output = os.Stdout
	} else if config.Output != "" && config.Output != "stderr" {
		f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			output = f
		}
	}

	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func promptInput(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	var input string
	fmt.Scanln(&input)
	return input
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // newline after password input
	if err != nil {
		return ""
	}
	return string(password)
}
