// Package server implements the core of the gorelay TCP broadcast relay.
//
// The implementation is organized into specialized files for configuration,
// hub management, client sessions, abuse tracking, and the ban registry to
// keep the codebase maintainable and testable as the project grows.
package server
