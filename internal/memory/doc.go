// Package memory is the adaptive per-session memory store.
//
// Every recorded entry gets a surprise score, one minus the cosine between
// its embedding and the running mean of the session's embeddings. Entries
// live in a short tier until they are retrieved and score above the
// promotion threshold, after which they move to the long tier. Each tier has
// a token budget and an entry cap. When either is exceeded the lowest
// surprise entry goes first, then the least recently accessed, then the
// oldest.
//
// Retrieval ranks entries by a blend of semantic similarity (a chromem-go
// collection per session) and recency of access.
package memory
