// Package cmdutil runs external commands with timeouts and captured output.
package cmdutil
