// Package storage persists jobs and triggers.
//
// Drivers: memory (tests), file (snapshot + journal), sqlite (default) and
// postgres. All of them share the due computation in transitions.go so that
// acquisition, completion and recovery behave the same everywhere.
package storage
