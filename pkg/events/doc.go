// Package events is a buffered in-process broker for task and node
// lifecycle events. Slow subscribers drop events rather than block the
// control plane.
package events
