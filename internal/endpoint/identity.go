// ABOUTME: Stable machine identity for the endpoint agent.
// ABOUTME: Prefers the platform machine id, falling back to a generated UUID.

package endpoint

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// MachineID returns a stable identifier for this host. The platform machine
// id is read directly where the OS exposes one; the machineid library covers
// the rest. A random UUID is the last resort, meaning the agent re-registers
// as a new machine on every start.
func MachineID() string {
	if id := platformMachineID(); id != "" {
		return id
	}
	if id, err := machineid.ID(); err == nil && id != "" {
		return id
	}
	return uuid.New().String()
}

func platformMachineID() string {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	case "darwin":
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return ""
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, "IOPlatformUUID") {
				continue
			}
			parts := strings.Split(line, "\"")
			if len(parts) >= 4 {
				return parts[3]
			}
		}
	case "windows":
		out, err := exec.Command("powershell", "-NoProfile", "-Command",
			"(Get-CimInstance Win32_ComputerSystemProduct).UUID").Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	}
	return ""
}
