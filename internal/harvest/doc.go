// Package harvest holds the domain model shared by every harvester component:
// the typed configuration matrix, work units and their lifecycle, runs,
// results, the capability interfaces the engine depends on, and the error
// taxonomy callers use to tell retryable failures from fatal ones.
package harvest
