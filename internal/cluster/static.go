package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/slicerun/internal/accel"
)

// SliceSpec declares a slice of a static cluster.
type SliceSpec struct {
	Name            string   `json:"name"`
	AcceleratorType string   `json:"accelerator_type"`
	Hosts           []string `json:"hosts"`
	ChipsPerHost    int      `json:"chips_per_host"`
}

// Validate implements the check.Validatable interface.
func (s SliceSpec) Validate() []error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("slices must be named"))
	}
	if _, err := accel.ParseAcceleratorType(s.AcceleratorType); err != nil {
		errs = append(errs, err)
	}
	if len(s.Hosts) == 0 {
		errs = append(errs, errors.Errorf("slice %s has no hosts", s.Name))
	}
	return errs
}

// Static is a cluster over a fixed, declared set of slices. It is shared by every orchestrator in
// the process; a slice is leased to one of them at a time.
type Static struct {
	log *logrus.Entry

	mu      sync.Mutex
	slots   []*slot
	changed chan struct{}
}

type slot struct {
	name string
	// acceleratorType is empty for slots that satisfy any request.
	acceleratorType string
	platform        accel.Platform
	hosts           []Node
	leased          bool
}

// NewStatic returns a cluster over the declared slices. Preemption of a slice is signalled
// through its platform, see Platform. If remover is nil, lockfile removal is only recorded.
func NewStatic(specs []SliceSpec, remover LockfileRemover) *Static {
	c := newStatic()
	for _, spec := range specs {
		chips := spec.ChipsPerHost
		if chips == 0 {
			chips = accel.DefaultChipsPerHost
		}
		address := ""
		if len(spec.Hosts) > 0 {
			address = spec.Hosts[0]
		}
		platform := accel.NewStatic(accel.Topology{
			Name:            spec.Name,
			AcceleratorType: spec.AcceleratorType,
			NumHosts:        len(spec.Hosts),
			ChipsPerHost:    chips,
			Address:         address,
		}, "")

		s := &slot{name: spec.Name, acceleratorType: spec.AcceleratorType, platform: platform}
		for i, addr := range spec.Hosts {
			var hostPlatform accel.Platform = platform
			if remover != nil {
				addr := addr
				hostPlatform = accel.WithLockfileRemover(platform, func(ctx context.Context) error {
					return remover(ctx, addr)
				})
			}
			s.hosts = append(s.hosts, Node{
				ID:       fmt.Sprintf("%s-%d", spec.Name, i),
				Slice:    spec.Name,
				Index:    i,
				Address:  addr,
				Platform: hostPlatform,
			})
		}
		c.slots = append(c.slots, s)
	}
	return c
}

func newStatic() *Static {
	return &Static{
		log:     logrus.WithField("component", "static-cluster"),
		changed: make(chan struct{}),
	}
}

// Platform returns the platform of the named slice, so operators and tests can mark it preempted.
func (c *Static) Platform(slice string) (*accel.Static, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.name == slice {
			p, ok := s.platform.(*accel.Static)
			return p, ok
		}
	}
	return nil, false
}

// Leased lists the names of leased slices.
func (c *Static) Leased() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, s := range c.slots {
		if s.leased {
			names = append(names, s.name)
		}
	}
	return names
}

// AcquireSlice implements Cluster.
func (c *Static) AcquireSlice(ctx context.Context, acceleratorType string) (Lease, error) {
	for {
		c.mu.Lock()
		matching := 0
		for _, s := range c.slots {
			if s.acceleratorType != "" && s.acceleratorType != acceleratorType {
				continue
			}
			matching++
			if !s.leased {
				s.leased = true
				c.mu.Unlock()
				c.log.Infof("leased slice %s", s.name)
				return &staticLease{cluster: c, slot: s}, nil
			}
		}
		changed := c.changed
		c.mu.Unlock()

		if matching == 0 {
			return nil, errors.Wrapf(ErrNoSuchAcceleratorType, "wanted %s", acceleratorType)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Static) release(s *slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.leased = false
	close(c.changed)
	c.changed = make(chan struct{})
	c.log.Infof("released slice %s", s.name)
}

type staticLease struct {
	cluster *Static
	slot    *slot
	once    sync.Once
}

func (l *staticLease) Name() string             { return l.slot.name }
func (l *staticLease) Platform() accel.Platform { return l.slot.platform }

func (l *staticLease) Hosts(context.Context) ([]Node, error) {
	return append([]Node(nil), l.slot.hosts...), nil
}

func (l *staticLease) Release() {
	l.once.Do(func() { l.cluster.release(l.slot) })
}
