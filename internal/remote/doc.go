// Package remote carries the backend boundary over a websocket connection.
//
// Messages are msgpack encoded envelopes. Server wraps any backend.Backend
// and Client implements backend.Backend and backend.StreamEvaluator on top
// of it, so a service can run its inference backend in a separate process.
package remote
