// Package worker runs persistent backend streams in the background and
// delivers their frames through the consumer registry.
package worker
