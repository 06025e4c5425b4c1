// Package agent drives one persona's streaming reply: prompt assembly
// from persona config and bounded history, optional knowledge retrieval
// (inline or via an LLM-visible tool), and cooperative cancellation.
// The runtime never persists anything; the session orchestrator decides
// what to commit.
package agent
