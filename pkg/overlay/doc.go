/*
Package overlay implements the VXLAN-hub data plane.

The fabric is one IPv4 block carved by a Layout into per-runner subnets.
The host runs a hub: one unicast VXLAN device per runner, named
vxkr<base36(id)> with VNI base+id, addressed subnet.254. Each runner
terminates its tunnel on vxlan0, bridged into kohaku-overlay, which also
carries the Docker network and the per-VM tap devices; cross-runner traffic
hairpins through the host.

The host's allocation map is a cache. On start it is rebuilt from the live
vxkr* interface set as inactive placeholders, re-keyed to runner names as
they re-register, so a host restart never interrupts container traffic.

The package also owns the IP reservation protocol: self-contained HMAC
tokens promising a container IP until consumed by exactly one container or
expired.
*/
package overlay
