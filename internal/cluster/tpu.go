package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/compute/metadata"
	back "github.com/cenkalti/backoff/v4"
	petname "github.com/dustinkirkland/golang-petname"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tpu "google.golang.org/api/tpu/v2"

	"github.com/determined-ai/slicerun/internal/accel"
	"github.com/determined-ai/slicerun/pkg/check"
	"github.com/determined-ai/slicerun/pkg/model"
)

// MaxNamePrefixLen bounds the prefix of created node names. Node names must be at most 63
// characters and a two word pet name is appended to the prefix.
const MaxNamePrefixLen = 30

// TPU node states, as reported by the Cloud TPU API.
const (
	stateReady      = "READY"
	stateCreating   = "CREATING"
	stateStarting   = "STARTING"
	stateRestarting = "RESTARTING"
	stateRepairing  = "REPAIRING"
	statePreempted  = "PREEMPTED"
	stateTerminated = "TERMINATED"
)

var errNoFreeSlice = errors.New("no free slice")

// TPUConfig describes the Cloud TPU project and zone slices are leased from.
type TPUConfig struct {
	Project string `json:"project"`
	Zone    string `json:"zone"`

	// LabelKey and LabelValue mark the nodes this cluster may lease.
	LabelKey   string `json:"label_key"`
	LabelValue string `json:"label_value"`

	// CreateMissing creates a node when no free one exists, and deletes preempted nodes so their
	// capacity can be requested again.
	CreateMissing  bool   `json:"create_missing"`
	NamePrefix     string `json:"name_prefix"`
	RuntimeVersion string `json:"runtime_version"`
	Spot           bool   `json:"spot"`

	PollInterval   model.Duration `json:"poll_interval"`
	StatusCacheTTL model.Duration `json:"status_cache_ttl"`
}

// DefaultTPUConfig returns the default configuration of the Cloud TPU cluster.
func DefaultTPUConfig() *TPUConfig {
	return &TPUConfig{
		LabelKey:       "managed-by",
		LabelValue:     "slicerun",
		NamePrefix:     "slicerun-",
		RuntimeVersion: "tpu-ubuntu2204-base",
		PollInterval:   model.Duration(10 * time.Second),
		StatusCacheTTL: model.Duration(5 * time.Second),
	}
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (c *TPUConfig) UnmarshalJSON(data []byte) error {
	*c = *DefaultTPUConfig()
	type DefaultParser *TPUConfig
	return json.Unmarshal(data, DefaultParser(c))
}

// Validate implements the check.Validatable interface.
func (c TPUConfig) Validate() []error {
	return []error{
		check.True(len(c.NamePrefix) <= MaxNamePrefixLen, "name_prefix is too long"),
		check.NotEmpty(c.LabelKey, "label_key must be set"),
		check.GreaterThan(c.PollInterval, 0, "poll_interval must be positive"),
	}
}

// InitDefaultValues fills in the project and zone from the metadata server when unset.
func (c *TPUConfig) InitDefaultValues() error {
	var err error
	if c.Project == "" {
		if c.Project, err = metadata.ProjectID(); err != nil {
			return errors.Wrap(err, "project is unset and could not be read from metadata")
		}
	}
	if c.Zone == "" {
		if c.Zone, err = metadata.Zone(); err != nil {
			return errors.Wrap(err, "zone is unset and could not be read from metadata")
		}
	}
	return nil
}

// TPU is a cluster of Cloud TPU nodes. Each node is a slice and each of its network endpoints is
// a host.
type TPU struct {
	// Configuration details. Set in initialization and never modified after.
	config TPUConfig

	// System dependencies. Also set in initialization and never modified after.
	nodes   *tpu.ProjectsLocationsNodesService
	remover LockfileRemover
	status  *expirable.LRU[string, *tpu.Node]
	log     *logrus.Entry

	// Internal state. Access should be protected.
	mu     sync.Mutex
	leased map[string]bool
}

// NewTPU connects to the Cloud TPU API.
func NewTPU(
	ctx context.Context, config TPUConfig, remover LockfileRemover, opts ...option.ClientOption,
) (*TPU, error) {
	svc, err := tpu.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating Cloud TPU client")
	}
	return &TPU{
		config:  config,
		nodes:   svc.Projects.Locations.Nodes,
		remover: remover,
		status:  expirable.NewLRU[string, *tpu.Node](256, nil, config.StatusCacheTTL.Std()),
		log: logrus.WithFields(logrus.Fields{
			"component": "tpu-cluster",
			"project":   config.Project,
			"zone":      config.Zone,
		}),
		leased: map[string]bool{},
	}, nil
}

func (c *TPU) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.config.Project, c.config.Zone)
}

// AcquireSlice implements Cluster. It polls until a ready node of the requested type is free.
func (c *TPU) AcquireSlice(ctx context.Context, acceleratorType string) (Lease, error) {
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = c.config.PollInterval.Std()
	bf.MaxInterval = 5 * time.Minute
	bf.MaxElapsedTime = 0

	var lease Lease
	err := back.RetryNotify(
		func() error {
			l, err := c.tryAcquire(ctx, acceleratorType)
			if err != nil {
				return err
			}
			lease = l
			return nil
		},
		back.WithContext(bf, ctx),
		func(err error, wait time.Duration) {
			c.log.WithError(err).Debugf("no %s slice yet, checking again in %s", acceleratorType, wait)
		},
	)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (c *TPU) tryAcquire(ctx context.Context, acceleratorType string) (Lease, error) {
	var candidates []*tpu.Node
	err := c.nodes.List(c.parent()).Pages(ctx, func(page *tpu.ListNodesResponse) error {
		for _, n := range page.Nodes {
			if n.AcceleratorType == acceleratorType && n.Labels[c.config.LabelKey] == c.config.LabelValue {
				candidates = append(candidates, n)
			}
		}
		return nil
	})
	if err != nil {
		if isPermanent(err) {
			return nil, back.Permanent(errors.Wrap(err, "listing TPU nodes"))
		}
		return nil, errors.Wrap(err, "listing TPU nodes")
	}

	starting := false
	for _, n := range candidates {
		c.status.Add(n.Name, n)
		switch n.State {
		case stateReady:
			if c.claim(n.Name) {
				c.log.Infof("leased TPU node %s", path.Base(n.Name))
				return &tpuLease{cluster: c, name: n.Name}, nil
			}
		case stateCreating, stateStarting, stateRestarting, stateRepairing:
			starting = true
		case statePreempted, stateTerminated:
			if c.config.CreateMissing {
				c.deleteNode(ctx, n.Name)
			}
		}
	}

	if c.config.CreateMissing && !starting {
		if err := c.createNode(ctx, acceleratorType); err != nil {
			return nil, err
		}
	}
	return nil, errors.Wrapf(errNoFreeSlice, "of type %s", acceleratorType)
}

func (c *TPU) claim(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leased[name] {
		return false
	}
	c.leased[name] = true
	return true
}

func (c *TPU) release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leased, name)
	c.log.Infof("released TPU node %s", path.Base(name))
}

func (c *TPU) createNode(ctx context.Context, acceleratorType string) error {
	id := c.config.NamePrefix + petname.Generate(2, "-")
	node := &tpu.Node{
		AcceleratorType: acceleratorType,
		RuntimeVersion:  c.config.RuntimeVersion,
		Labels:          map[string]string{c.config.LabelKey: c.config.LabelValue},
		SchedulingConfig: &tpu.SchedulingConfig{
			Spot: c.config.Spot,
		},
	}
	if _, err := c.nodes.Create(c.parent(), node).NodeId(id).Context(ctx).Do(); err != nil {
		if isPermanent(err) {
			return back.Permanent(errors.Wrapf(err, "creating TPU node %s", id))
		}
		return errors.Wrapf(err, "creating TPU node %s", id)
	}
	c.log.Infof("requested new %s TPU node %s", acceleratorType, id)
	return nil
}

func (c *TPU) deleteNode(ctx context.Context, name string) {
	c.mu.Lock()
	leased := c.leased[name]
	c.mu.Unlock()
	if leased {
		return
	}
	if _, err := c.nodes.Delete(name).Context(ctx).Do(); err != nil {
		c.log.WithError(err).Warnf("failed to delete preempted TPU node %s", path.Base(name))
		return
	}
	c.log.Infof("deleting preempted TPU node %s", path.Base(name))
}

// node fetches the current state of a node, served from a short-lived cache.
func (c *TPU) node(ctx context.Context, name string) (*tpu.Node, error) {
	if n, ok := c.status.Get(name); ok {
		return n, nil
	}
	n, err := c.nodes.Get(name).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	c.status.Add(name, n)
	return n, nil
}

func isPermanent(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// Topology converts a node description into a slice topology.
func Topology(n *tpu.Node) (accel.Topology, error) {
	t, err := accel.ParseAcceleratorType(n.AcceleratorType)
	if err != nil {
		return accel.Topology{}, err
	}
	hosts, chips := t.Layout(len(n.NetworkEndpoints), 0)
	topo := accel.Topology{
		Name:            path.Base(n.Name),
		AcceleratorType: n.AcceleratorType,
		NumHosts:        hosts,
		ChipsPerHost:    chips,
	}
	if len(n.NetworkEndpoints) > 0 {
		topo.Address = n.NetworkEndpoints[0].IpAddress
	}
	return topo, nil
}

type tpuLease struct {
	cluster *TPU
	name    string
	once    sync.Once
}

func (l *tpuLease) Name() string { return path.Base(l.name) }

func (l *tpuLease) Platform() accel.Platform {
	return &tpuPlatform{cluster: l.cluster, name: l.name}
}

func (l *tpuLease) Hosts(ctx context.Context) ([]Node, error) {
	n, err := l.cluster.node(ctx, l.name)
	if err != nil {
		return nil, errors.Wrapf(err, "describing TPU node %s", l.Name())
	}
	slice := l.Platform()
	nodes := make([]Node, 0, len(n.NetworkEndpoints))
	for i, ep := range n.NetworkEndpoints {
		platform := slice
		if remover := l.cluster.remover; remover != nil {
			address := ep.IpAddress
			platform = accel.WithLockfileRemover(slice, func(ctx context.Context) error {
				return remover(ctx, address)
			})
		}
		nodes = append(nodes, Node{
			ID:       fmt.Sprintf("%s-w-%d", l.Name(), i),
			Slice:    l.Name(),
			Index:    i,
			Address:  ep.IpAddress,
			Platform: platform,
		})
	}
	return nodes, nil
}

func (l *tpuLease) Release() {
	l.once.Do(func() { l.cluster.release(l.name) })
}

type tpuPlatform struct {
	cluster *TPU
	name    string
}

func (p *tpuPlatform) Topology(ctx context.Context) (accel.Topology, error) {
	n, err := p.cluster.node(ctx, p.name)
	if err != nil {
		return accel.Topology{}, errors.Wrapf(err, "describing TPU node %s", path.Base(p.name))
	}
	return Topology(n)
}

// Preempted reports a node that is gone, preempted, or terminated as preempted.
func (p *tpuPlatform) Preempted(ctx context.Context) (bool, error) {
	n, err := p.cluster.node(ctx, p.name)
	switch {
	case isNotFound(err):
		return true, nil
	case err != nil:
		return false, err
	}
	return n.State == statePreempted || n.State == stateTerminated, nil
}

// RemoveLockfile is a no-op for the slice as a whole; hosts carry their own remover.
func (p *tpuPlatform) RemoveLockfile(context.Context) error {
	return nil
}
