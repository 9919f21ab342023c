// Package stream implements the pool of reusable stream sessions that bind
// one animation stream to a backend instance.
//
// A Session moves Available -> Allocated -> Started -> Ended -> Available;
// an Allocated session may also be reset straight to Available. Slots are
// never freed, so the backend callback resolves its session by SlotID on
// every invocation and ignores callbacks that belong to an earlier stream.
package stream
