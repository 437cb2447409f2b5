// Package embeddings turns text into vectors for the memory store.
//
// Two providers exist: Hash, a deterministic signed feature-hashing embedder
// that needs no model, and Remote, which calls an OpenAI-compatible
// embeddings endpoint through langchaingo. New picks one from config.
package embeddings
