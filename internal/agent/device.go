package agent

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// DeviceFacts is what the agent reports about its machine at registration.
type DeviceFacts struct {
	DeviceName string
	Soc        string
	RAMGB      float64
	OS         string
	OSVersion  string
	UDID       string
	IPAddress  string
}

// ProbeDevice collects host facts. Probing is best effort: fields the
// platform will not reveal stay empty and the orchestrator records them as
// unknown.
func ProbeDevice(ctx context.Context) DeviceFacts {
	facts := DeviceFacts{IPAddress: outboundIP()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		facts.DeviceName = info.Hostname
		facts.OS = info.OS
		facts.OSVersion = info.PlatformVersion
		facts.UDID = info.HostID
	}
	if facts.DeviceName == "" {
		if name, err := os.Hostname(); err == nil {
			facts.DeviceName = name
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		// whole gigabytes, matching what fleets report elsewhere
		facts.RAMGB = float64(int(float64(vm.Total) / (1 << 30)))
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		facts.Soc = strings.TrimSpace(infos[0].ModelName)
	}
	return facts
}

// DeviceInfoDoc renders the facts as the device_info block of the
// registration document. Key spelling matches the report columns.
func (f DeviceFacts) DeviceInfoDoc() map[string]any {
	return map[string]any{
		"Soc":             f.Soc,
		"Ram":             f.RAMGB,
		"DeviceOs":        f.OS,
		"DeviceOsVersion": f.OSVersion,
		"Udid":            f.UDID,
	}
}

// outboundIP finds the local address the kernel would route external
// traffic through. No packet is sent: a UDP dial only resolves the route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
