// The main package for the harvester executable.
//
// Architecture overview:
//   - Progress store: runs, units, and committed results live in SQLite (single host), PostgreSQL (many
//     dispatchers sharing one database), or memory. Every unit transition is one atomic store operation.
//   - Run coordinator: validates the matrix, enumerates it into units, seeds the store in batches, takes the run
//     lock, and launches a dispatcher. Resume, cancel, retry, export, and purge go through it too.
//   - Dispatcher: a fixed worker pool sized by the run's concurrency shares one token-bucket limiter. Workers claim
//     units under a lease, fetch, filter, and commit listings together with the unit's done mark.
//   - Fetch pipeline: the Colly fetcher queries the provider and extracts listings with goquery selectors; in auto
//     mode script-shell pages are promoted to the Chromedp fetcher.
//   - Fanout: commit notifications go to Pub/Sub or Kafka when configured. Progress events are batched by the hub
//     into log, Prometheus, and Redis sinks.
//
// Quick checklist:
//   - Configure via a YAML file passed with --config and HARVEST_* env overrides.
//   - Start a run: harvester run --config config.yaml --matrix matrix.yaml
//   - Serve the API: harvester serve --config config.yaml
package main

import (
	"github.com/JakeFAU/map-harvester/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
