// Package mcp exposes the agent as Model Context Protocol tools.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the session coordinator directly. Tool text output is scrubbed
// for secrets before it reaches the client.
package mcp
