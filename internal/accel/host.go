package accel

import (
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/host"
)

// HostPlatform describes the machine this process runs on as a single-host slice. It is used off
// GCE, for development against a local container runtime.
type HostPlatform struct {
	chips    int
	lockfile string
}

// NewHostPlatform returns a platform for this machine that claims the given number of chips.
func NewHostPlatform(chips int) *HostPlatform {
	return &HostPlatform{chips: chips, lockfile: DefaultLockfile}
}

// Topology implements Platform.
func (h *HostPlatform) Topology(context.Context) (Topology, error) {
	info, err := host.Info()
	if err != nil {
		return Topology{}, errors.Wrap(err, "reading host info")
	}
	return Topology{
		Name:            info.Hostname,
		AcceleratorType: "local-1",
		NumHosts:        1,
		ChipsPerHost:    h.chips,
		Address:         localAddress(),
	}, nil
}

// NodeID identifies this machine.
func (h *HostPlatform) NodeID() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", errors.Wrap(err, "reading host info")
	}
	if info.HostID != "" {
		return info.HostID, nil
	}
	return os.Hostname()
}

// Preempted implements Platform. Local machines are never reclaimed.
func (h *HostPlatform) Preempted(context.Context) (bool, error) {
	return false, nil
}

// RemoveLockfile implements Platform.
func (h *HostPlatform) RemoveLockfile(ctx context.Context) error {
	return RemoveLockfile(ctx, h.lockfile)
}

// localAddress picks the address other hosts would use to reach this one: the source address of
// a route to the outside world, falling back to loopback.
func localAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
