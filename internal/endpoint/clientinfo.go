// ABOUTME: Host fingerprint collection reported at agent registration.
// ABOUTME: Gathers process, network, and OS details via gopsutil and stdlib net.

package endpoint

import (
	"log/slog"
	"net"
	"os"
	"os/user"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/hexalink/hexalink/internal/protocol"
)

// buildCodename tags every registration with the agent build line.
const buildCodename = "daring-giraffe"

// CollectClientInfo gathers the host fingerprint sent at registration.
// Collection is best-effort; fields the host refuses to reveal are left
// empty rather than failing registration.
func CollectClientInfo(logger *slog.Logger) *protocol.ClientInfo {
	info := &protocol.ClientInfo{
		ProcessID: os.Getpid(),
		Codename:  buildCodename,
		OSInfo: protocol.OSInfo{
			CPUs: runtime.NumCPU(),
			OS:   runtime.GOOS,
		},
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if current, err := user.Current(); err == nil {
		info.Username = current.Username
	}

	if hi, err := host.Info(); err == nil {
		info.OSInfo.Kernel = hi.KernelVersion
		info.OSInfo.Core = hi.PlatformVersion
		info.OSInfo.Platform = hi.Platform
		info.OSInfo.OS = hi.OS
	} else {
		logger.Debug("host info unavailable", "error", err)
	}

	info.NetInterfaces, info.IPAddress = collectInterfaces(logger)
	return info
}

// collectInterfaces lists non-loopback interfaces and picks the first global
// unicast IPv4 address as the agent's primary address.
func collectInterfaces(logger *slog.Logger) ([]protocol.NetInterface, string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Debug("listing interfaces failed", "error", err)
		return nil, ""
	}

	var result []protocol.NetInterface
	var primary string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		entry := protocol.NetInterface{Name: iface.Name}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			entry.IPs = append(entry.IPs, ipNet.IP.String())
			if primary == "" && ipNet.IP.To4() != nil && ipNet.IP.IsGlobalUnicast() {
				primary = ipNet.IP.String()
			}
		}
		if len(entry.IPs) > 0 {
			result = append(result, entry)
		}
	}
	return result, primary
}
