// Package backend describes the inference backend boundary (instances,
// execution contexts, callbacks and persistent streams) and provides Guard,
// the exclusive-access wrapper that serialises use of an instance handle and
// lazily recreates it after it was destroyed.
package backend
