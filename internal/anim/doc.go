// Package anim defines the types shared between the audio ingest side and the
// animation output side: stream identifiers, audio formats, animation chunks
// and the consumer contract.
package anim
