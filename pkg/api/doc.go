// Package api serves the host's REST and WebSocket surface and maps the
// failure taxonomy onto HTTP statuses.
package api
