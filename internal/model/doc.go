// Package model defines the domain types and value objects for the
// swarm-secrets CLI and HTTP API.
//
// This package contains pure data structures with no external dependencies.
// Secrets, configs and the services that reference them are transient
// representations reconstructed from Docker Engine API responses at runtime.
// The only local state is the rollout journal (see internal/journal).
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model
