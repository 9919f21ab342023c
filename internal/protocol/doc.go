// Package protocol implements the TLV packets exchanged with ingest clients.
// Clients send Start, Audio and End packets for a stream and receive Frame
// packets carrying blend-shape weights and aligned audio.
package protocol
