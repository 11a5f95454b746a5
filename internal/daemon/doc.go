// Package daemon ties the engine to a process lifecycle: flock-based
// single-instance locking, startup rehydration, and orderly shutdown.
package daemon
