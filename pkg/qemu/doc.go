/*
Package qemu supervises QEMU/KVM virtual machines for the runner.

A VM boots from a qcow2 overlay on a shared base image, carries a cloud-init
seed ISO (cidata: meta-data, user-data with the embedded in-guest agent,
v2 network-config), attaches to the overlay bridge through a tap device and
optionally passes GPUs through with VFIO. Whole IOMMU groups are bound
together; driver-override sysfs writes run under a 5 second deadline because
NVIDIA unbinds can hang after the device is already released, and the
observed driver state is what decides success.

QEMU runs with -daemonize: the foreground process is waited on for up to
30 seconds and the real PID then comes from the pidfile. Lifecycle control
goes over the per-instance QMP socket (system_powerdown, system_reset) with
signal fallback. The instance becomes running only when the in-guest agent
phones home.
*/
package qemu
