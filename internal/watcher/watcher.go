// Package watcher registers kernel filesystem watches and translates
// kernel-level change notifications into catalogue commands.
package watcher

// Command is a text command destined for the command server, built from a
// filesystem event. It already carries the length-prefix framing's payload
// (the plain body, not yet wrapped by internal/protocol.Frame).
type Command string
