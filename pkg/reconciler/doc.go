// Package reconciler marks silent nodes offline without forcing their
// tasks through any transition.
package reconciler
