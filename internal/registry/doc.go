// Package registry owns stream id allocation and routes animation chunks from
// stream ids to their consumers.
package registry
