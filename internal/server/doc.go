// Package server implements the UDP ingest server and the HTTP API.
//
// The UDP server accepts TLV audio streams, feeds each one into its own
// audio session and sends the resulting animation frames back to the sender
// as Frame packets. The HTTP API exposes health, stream and pool state,
// Prometheus metrics and, optionally, the backend RPC endpoint.
package server
