package runner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/cmdutil"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/qemu"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// detectCapacity builds the static half of the registration payload.
func detectCapacity() (cores int, ramBytes int64, numa []types.NUMANode) {
	if n, err := cpu.Counts(true); err == nil {
		cores = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ramBytes = int64(vm.Total)
	}
	numa = detectNUMA()
	return cores, ramBytes, numa
}

// detectNUMA reads the sysfs NUMA topology; a machine without the nodes
// directory simply advertises none.
func detectNUMA() []types.NUMANode {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return nil
	}
	var out []types.NUMANode
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		node := types.NUMANode{ID: id}
		if data, err := os.ReadFile(filepath.Join("/sys/devices/system/node", name, "cpulist")); err == nil {
			node.Cores = parseCPUList(strings.TrimSpace(string(data)))
		}
		if data, err := os.ReadFile(filepath.Join("/sys/devices/system/node", name, "meminfo")); err == nil {
			node.MemoryBytes = parseNodeMemTotal(string(data))
		}
		out = append(out, node)
	}
	return out
}

// parseCPUList expands "0-3,8-11" into explicit core ids.
func parseCPUList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i := strings.IndexByte(part, '-'); i >= 0 {
			lo, err1 := strconv.Atoi(part[:i])
			hi, err2 := strconv.Atoi(part[i+1:])
			if err1 != nil || err2 != nil {
				continue
			}
			for c := lo; c <= hi; c++ {
				out = append(out, c)
			}
			continue
		}
		if c, err := strconv.Atoi(part); err == nil {
			out = append(out, c)
		}
	}
	return out
}

func parseNodeMemTotal(meminfo string) int64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.Contains(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[len(fields)-2], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// vmCapable checks for usable KVM.
func vmCapable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// detectGPUs queries nvidia-smi; nodes without it advertise no GPUs.
func detectGPUs(ctx context.Context) []types.GPUInfo {
	res, err := cmdutil.Run(ctx, 10*time.Second, "nvidia-smi",
		"--query-gpu=index,name,pci.bus_id,memory.total,memory.used,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil
	}
	var out []types.GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 7 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		gpu := types.GPUInfo{GPUID: idx, Name: fields[1], PCIAddress: normalizePCI(fields[2])}
		gpu.MemoryTotalMB, _ = strconv.ParseInt(fields[3], 10, 64)
		gpu.MemoryUsedMB, _ = strconv.ParseInt(fields[4], 10, 64)
		gpu.UtilPercent, _ = strconv.ParseFloat(fields[5], 64)
		gpu.TempCelsius, _ = strconv.ParseFloat(fields[6], 64)
		out = append(out, gpu)
	}
	return out
}

// normalizePCI lowers "00000000:65:00.0" to the sysfs "0000:65:00.0" form.
func normalizePCI(addr string) string {
	addr = strings.ToLower(addr)
	if len(addr) == 12 { // 0000:65:00.0 is already in sysfs form
		return addr
	}
	if strings.Count(addr, ":") == 2 && len(addr) > 12 {
		// Trim an over-long domain down to 4 hex digits.
		i := strings.IndexByte(addr, ':')
		domain := addr[:i]
		if len(domain) > 4 {
			domain = domain[len(domain)-4:]
		}
		return domain + addr[i:]
	}
	return addr
}

// detectVFIOGPUs lists display-class PCI devices with IOMMU groups, the
// pass-through-eligible set.
func detectVFIOGPUs(gpus []types.GPUInfo) []types.VFIOGPU {
	var out []types.VFIOGPU
	for _, gpu := range gpus {
		if gpu.PCIAddress == "" {
			continue
		}
		group, err := qemu.IOMMUGroup(gpu.PCIAddress)
		if err != nil {
			continue
		}
		out = append(out, types.VFIOGPU{
			ID:         "vfio-" + strings.ReplaceAll(gpu.PCIAddress, ":", "-"),
			Name:       gpu.Name,
			PCIAddress: gpu.PCIAddress,
			IOMMUGroup: group,
		})
	}
	return out
}

// sampleLoad returns the dynamic half of a heartbeat.
func sampleLoad() (cpuPct float64, memUsed, memTotal int64, temp *float64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsed = int64(vm.Used)
		memTotal = int64(vm.Total)
	}
	if temps, err := host.SensorsTemperatures(); err == nil {
		for _, t := range temps {
			if strings.Contains(t.SensorKey, "coretemp") || strings.Contains(t.SensorKey, "k10temp") {
				v := t.Temperature
				temp = &v
				break
			}
		}
	}
	return cpuPct, memUsed, memTotal, temp
}
