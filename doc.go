// Package askdb fronts a natural-language question-answering service backed
// by PostgreSQL. Questions and a fixed schema description are forwarded to a
// NL-to-SQL engine; the engine's generated SQL is re-validated against a
// strict allow-list before any answer reaches the caller, and every request
// is mediated by a connection-health and admission layer.
//
// The three load-bearing pieces:
//
//   - PoolManager owns the lifecycle of connections to the single target
//     database: probed acquisition, coalesced rebuild on connectivity loss,
//     and a background keep-alive loop.
//   - Service.Ask is the admission controller: input and token-budget
//     checks, a bounded concurrency gate, and engine invocation with
//     rebuild-and-retry on connection failures.
//   - internal/safety vets engine-generated SQL against a column/keyword
//     allow-list (lexical, with an optional AST check via pg_query).
//
// # Library Usage
//
//	svc, err := askdb.New(ctx, connString, askdb.Config{
//		Pool: askdb.PoolConfig{MaxConns: 5, MinConns: 1},
//		Safety: askdb.SafetyConfig{
//			Table:          "students",
//			AllowedColumns: []string{"name", "currentcity"},
//		},
//		Engine: askdb.EngineConfig{APIKey: apiKey, Context: schemaContext},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	go svc.Pool().KeepAlive(ctx)
//
//	result, err := svc.Ask(ctx, askdb.AskInput{Question: "Who lives in Recife?"})
//
// Failures are classified: askdb.KindOf(err) yields the failure kind
// (empty input, token budget, database unavailable, unsafe query, ...) and
// askdb.PublicMessage(err) a caller-safe message.
package askdb
