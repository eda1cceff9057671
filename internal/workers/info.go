// Package workers implements the two kinds of pooled worker: one per leased slice, and one per
// host of that slice.
package workers

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotReady is returned when work is dispatched to a worker that has not finished setting up.
var ErrNotReady = errors.New("worker is not set up; fetch its info first")

// SliceInfo describes a leased slice.
type SliceInfo struct {
	Name         string `json:"name"`
	NumHosts     int    `json:"num_hosts"`
	ChipsPerHost int    `json:"chips_per_host"`
	// Address is the IP address of the slice's first host, used to coordinate multislice runs.
	Address string `json:"address"`
}

func (s SliceInfo) String() string {
	return fmt.Sprintf("%s (%d hosts x %d chips)", s.Name, s.NumHosts, s.ChipsPerHost)
}

// HostInfo describes one host of a slice.
type HostInfo struct {
	Slice       string `json:"slice"`
	WorkerIndex int    `json:"worker_index"`
	NodeID      string `json:"node_id"`
	Chips       int    `json:"chips"`
}
