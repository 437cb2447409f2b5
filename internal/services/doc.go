// Package services builds the agent's components from configuration and
// hands them out through a Registry.
//
// Build wires the capability catalogue, LLM provider, embedder, scrubber,
// memory store, plan store and event sinks into a session.Coordinator. The
// CLI, HTTP server and MCP server all start from the same Registry.
package services
