// Package plan defines the data model shared by the analyzer, strategy
// selector, execution engine and synthesizer: requests, immutable plans,
// per-run step state with its transition guard, and the persisted record.
package plan
