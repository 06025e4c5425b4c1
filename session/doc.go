// Package session owns per-session orchestration: the FIFO task queue,
// the sticky runtime binding, the turn loop driving scheduler and persona
// runtimes, and the event bus that fans streaming events out to
// subscribers. Sessions are strictly serial internally; distinct sessions
// run concurrently.
package session
