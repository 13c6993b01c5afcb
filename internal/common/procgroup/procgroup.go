// Package procgroup starts children in their own process group so that a
// command and everything it spawned can be signalled together.
package procgroup
