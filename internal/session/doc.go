// Package session coordinates one request end to end: memory retrieval,
// analysis, planning, execution, synthesis, and the bookkeeping afterwards.
//
// Requests in the same session are serialized; different sessions run
// concurrently. Handle never returns a Go error: every outcome, including an
// invalid request, is a synth.Response.
package session
