// The main package for the importer executable.
//
// Architecture overview:
//   - Catalog: countries come from a YAML file or the countries table (internal/catalog).
//   - HTTP: every upstream call goes through internal/httpclient, which retries with
//     jittered exponential backoff, waits on one shared rate limiter and trips a circuit
//     breaker after repeated exhausted calls. The transport is Colly (internal/fetcher/colly).
//   - Resolution and content: internal/wiki resolves a localized title per language and
//     fetches the article, lead, summary, media list and Wikidata facts.
//   - Normalization: internal/sections splits article markup into the section taxonomy
//     and extracts classified images.
//   - Persistence: internal/storage/postgres writes idempotently, reporting insert, update,
//     no_change or duplicate per row, plus one sync_logs row per unit.
//   - Orchestration: internal/orchestrator walks entities sequentially and the languages
//     of one entity on a small ants pool. internal/progress makes runs resumable.
//   - Side outputs: raw markup can be archived (local or GCS) and a unit.imported event
//     published to Pub/Sub.
//   - Observability: Prometheus metrics (internal/metrics) and one OpenTelemetry span per
//     unit (internal/telemetry), enabled with IMPORTER_TRACING_ENABLED.
//
// Quick checklist:
//   - Configure IMPORTER_DB_DSN and IMPORTER_IMPORTER_USER_AGENT (or a config file).
//   - Run: go run . import --config config.yaml --serve
//   - Resume after an interruption by running the same command again.
package main

import (
	"github.com/JakeFAU/country-content-importer/cmd"
)

func main() {
	cmd.Execute()
}
