package sync

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/openmined/minisync/internal/version"
)

// DeviceID is a stable per-machine id stamped on local events. It falls back
// to the host name where the machine id is unreadable.
func DeviceID() string {
	if id, err := machineid.ProtectedID(version.AppName); err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}
