// Package audiosession turns caller audio into paced provider sends.
//
// Input is mixed down to mono, resampled to the provider rate and held back
// until the provider's minimum initial sample count is reached. After the
// initial chunk the audio goes out in fixed real-time slices, throttled by a
// rate limiter unless the session runs in burst mode.
package audiosession
