// Package scheduler places tasks and VPS on runners: filter online nodes
// by target hostname, NUMA domain, VM capability, free cores and memory, and
// GPU availability (with disjoint IOMMU groups for VMs), break ties by most
// free cores, then most free memory, then hostname. Nodes carry no labels
// and are not filtered by them.
package scheduler
