// Package client holds the typed HTTP clients both processes use to talk
// to each other: the host driving runners and runners reporting back.
package client
