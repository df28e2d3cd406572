// Package errdefs defines the failure taxonomy shared by host and runner.
package errdefs
