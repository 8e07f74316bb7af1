// Package embeddings turns text into fixed-dimension vectors.
//
// Three backends implement Provider:
//   - openai: any OpenAI-compatible /embeddings endpoint, via langchaingo
//   - tei: a Text Embeddings Inference server's native /embed route
//   - fastembed: local ONNX models (requires cgo)
//
// New wraps the chosen backend in a guard that applies the configured rate
// limit and per-call timeout, checks that every returned vector has the
// provider's dimension, records OpenTelemetry metrics, and classifies
// failures as errs.ErrProvider so callers can retry them.
//
// Fake is a deterministic hashed bag-of-words provider for tests.
package embeddings
