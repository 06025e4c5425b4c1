// Package llm adapts OpenAI-compatible chat and embedding endpoints
// behind a unified Provider interface with SSE streaming.
package llm
