// Package provider binds a backend, a shared backend instance and the session
// pool into the stream capability used by audio sessions.
package provider
