/*
Package docker drives the local Docker daemon for the runner.

It owns the two hard parts of container execution: image synchronisation
from shared-storage tarballs (newest <name>-<unix_ts>.tar wins, loads
serialised by a single mutex) and container launch with the composed
/bin/sh -c command line, GPU device requests, NUMA binding prefix and the
overlay network endpoint.
*/
package docker
