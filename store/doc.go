// Package store persists tenant-scoped personas, API profiles, sessions
// and ordered message logs over GORM. API keys are encrypted at rest;
// plaintext exists only inside the call frame that resolves an LLM config.
package store
