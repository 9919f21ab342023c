// Package audio provides the PCM plumbing used around animation streams:
// sample conversion and mixdown, streaming resampling, chunk pacing,
// packet reordering and WAV containers.
package audio
