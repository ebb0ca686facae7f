// Package app holds the process-level contract shared by the relayer
// binaries. cmd/* starts a Runner without knowing which components it wires.
package app

// Runner blocks until the process is asked to stop or fails.
type Runner interface {
	Run() error
}
