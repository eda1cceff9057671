package accel

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/pkg/errors"
)

const (
	acceleratorTypeAttr = "accelerator-type"
	workerNumberAttr    = "agent-worker-number"
	instanceIDAttr      = "instance-id"
	endpointsAttr       = "worker-network-endpoints"
	preemptedPath       = "instance/preempted"
)

// MetadataPlatform reads the accelerator runtime's view of the TPU VM it runs on from the GCE
// metadata server.
type MetadataPlatform struct {
	client   *metadata.Client
	lockfile string
}

// NewMetadataPlatform returns a platform backed by the metadata server.
func NewMetadataPlatform() *MetadataPlatform {
	return &MetadataPlatform{
		client:   metadata.NewClient(&http.Client{Timeout: 5 * time.Second}),
		lockfile: DefaultLockfile,
	}
}

// OnTPUVM reports whether this process runs on a TPU VM.
func OnTPUVM() bool {
	if !metadata.OnGCE() {
		return false
	}
	t, err := metadata.NewClient(nil).InstanceAttributeValue(acceleratorTypeAttr)
	return err == nil && t != ""
}

// Topology implements Platform.
func (m *MetadataPlatform) Topology(context.Context) (Topology, error) {
	raw, err := m.client.InstanceAttributeValue(acceleratorTypeAttr)
	if err != nil {
		return Topology{}, errors.Wrap(err, "reading accelerator type from metadata")
	}
	t, err := ParseAcceleratorType(strings.TrimSpace(raw))
	if err != nil {
		return Topology{}, err
	}
	name, err := m.client.InstanceAttributeValue(instanceIDAttr)
	if err != nil {
		return Topology{}, errors.Wrap(err, "reading slice name from metadata")
	}

	addresses := m.Endpoints()
	hosts, chips := t.Layout(len(addresses), 0)
	address := ""
	if len(addresses) > 0 {
		address = addresses[0]
	} else if address, err = m.client.InternalIP(); err != nil {
		return Topology{}, errors.Wrap(err, "reading internal IP from metadata")
	}
	return Topology{
		Name:            strings.TrimSpace(name),
		AcceleratorType: t.String(),
		NumHosts:        hosts,
		ChipsPerHost:    chips,
		Address:         address,
	}, nil
}

// Endpoints returns the IP addresses of every host in the slice, in worker order. Entries look
// like "<id>:<id>:<ip>".
func (m *MetadataPlatform) Endpoints() []string {
	raw, err := m.client.InstanceAttributeValue(endpointsAttr)
	if err != nil {
		return nil
	}
	var ips []string
	for _, entry := range strings.Split(strings.TrimSpace(raw), ",") {
		parts := strings.Split(entry, ":")
		if ip := parts[len(parts)-1]; ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

// WorkerIndex is this host's index within its slice.
func (m *MetadataPlatform) WorkerIndex() (int, error) {
	raw, err := m.client.InstanceAttributeValue(workerNumberAttr)
	if err != nil {
		return 0, errors.Wrap(err, "reading worker number from metadata")
	}
	return strconv.Atoi(strings.TrimSpace(raw))
}

// NodeID identifies this host.
func (m *MetadataPlatform) NodeID() (string, error) {
	return m.client.InstanceID()
}

// Preempted implements Platform.
func (m *MetadataPlatform) Preempted(context.Context) (bool, error) {
	raw, err := m.client.Get(preemptedPath)
	if err != nil {
		return false, errors.Wrap(err, "reading preemption status from metadata")
	}
	return strings.EqualFold(strings.TrimSpace(raw), "TRUE"), nil
}

// RemoveLockfile implements Platform.
func (m *MetadataPlatform) RemoveLockfile(ctx context.Context) error {
	return RemoveLockfile(ctx, m.lockfile)
}
