// Package rag maps each persona to a private named collection of embedded
// text passages and serves top-k retrieval over it. Collections live in
// Qdrant; the embedder for a collection is the persona's own embedding
// profile, for both ingest and search.
package rag
