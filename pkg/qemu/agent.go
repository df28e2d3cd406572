package qemu

// agentScript is the in-guest agent, written by cloud-init to
// /usr/local/bin/kohakuriver-vm-agent and run as a systemd unit. It phones
// home once when it first comes up, then posts GPU and system telemetry to
// its runner every KOHAKU_HEARTBEAT_INTERVAL seconds.
const agentScript = `#!/usr/bin/env python3
import json
import os
import time
import urllib.request

RUNNER_URL = os.environ.get("KOHAKU_RUNNER_URL", "").rstrip("/")
TASK_ID = int(os.environ.get("KOHAKU_TASK_ID", "0"))
INTERVAL = int(os.environ.get("KOHAKU_HEARTBEAT_INTERVAL", "10"))


def post(path, body):
    data = json.dumps(body).encode()
    req = urllib.request.Request(
        RUNNER_URL + path, data=data,
        headers={"Content-Type": "application/json"})
    with urllib.request.urlopen(req, timeout=10) as resp:
        return resp.status


def vm_ip():
    import socket
    s = socket.socket(socket.AF_INET, socket.SOCK_DGRAM)
    try:
        s.connect(("10.255.255.255", 1))
        return s.getsockname()[0]
    except OSError:
        return ""
    finally:
        s.close()


def gpu_stats():
    try:
        import pynvml
    except ImportError:
        return []
    try:
        pynvml.nvmlInit()
    except Exception:
        return []
    gpus = []
    for i in range(pynvml.nvmlDeviceGetCount()):
        h = pynvml.nvmlDeviceGetHandleByIndex(i)
        mem = pynvml.nvmlDeviceGetMemoryInfo(h)
        util = pynvml.nvmlDeviceGetUtilizationRates(h)
        name = pynvml.nvmlDeviceGetName(h)
        if isinstance(name, bytes):
            name = name.decode()
        gpus.append({
            "gpu_id": i,
            "name": name,
            "memory_total_mb": mem.total // (1024 * 1024),
            "memory_used_mb": mem.used // (1024 * 1024),
            "util_percent": float(util.gpu),
            "from_vm": True,
        })
    pynvml.nvmlShutdown()
    return gpus


def system_stats():
    with open("/proc/meminfo") as f:
        info = {}
        for line in f:
            key, _, rest = line.partition(":")
            info[key] = int(rest.strip().split()[0]) * 1024
    with open("/proc/uptime") as f:
        uptime = int(float(f.read().split()[0]))
    total = info.get("MemTotal", 0)
    avail = info.get("MemAvailable", 0)
    with open("/proc/loadavg") as f:
        load1 = float(f.read().split()[0])
    ncpu = os.cpu_count() or 1
    return {
        "cpu_percent": min(100.0, 100.0 * load1 / ncpu),
        "memory_used_bytes": total - avail,
        "memory_total_bytes": total,
        "uptime_seconds": uptime,
    }


def main():
    while True:
        try:
            post("/api/vps/%d/vm-phone-home" % TASK_ID,
                 {"task_id": TASK_ID, "vm_ip": vm_ip()})
            break
        except Exception:
            time.sleep(5)
    while True:
        try:
            post("/api/vps/%d/vm-heartbeat" % TASK_ID, {
                "task_id": TASK_ID,
                "gpus": gpu_stats(),
                "system": system_stats(),
                "agent_ts": time.strftime("%Y-%m-%dT%H:%M:%SZ", time.gmtime()),
            })
        except Exception:
            pass
        time.sleep(INTERVAL)


if __name__ == "__main__":
    main()
`
