// Package multislice computes the environment that lets the slices of one run find each other.
package multislice

import (
	"fmt"
	"strconv"
)

// DefaultPort is the port the coordinator listens on.
const DefaultPort = 8081

// Environment variables read by the accelerator runtime to form a multislice job.
const (
	CoordinatorAddressEnv = "MEGASCALE_COORDINATOR_ADDRESS"
	NumSlicesEnv          = "MEGASCALE_NUM_SLICES"
	PortEnv               = "MEGASCALE_PORT"
	SliceIDEnv            = "MEGASCALE_SLICE_ID"
)

// Info is what one slice needs to know to join a multislice run.
type Info struct {
	CoordinatorIP string
	SliceID       int
	NumSlices     int
	Port          int
}

// FromHead returns the coordination info for slice sliceID of numSlices, coordinated by the
// slice whose first host is at coordinatorIP.
func FromHead(coordinatorIP string, sliceID, numSlices int) Info {
	return Info{
		CoordinatorIP: coordinatorIP,
		SliceID:       sliceID,
		NumSlices:     numSlices,
		Port:          DefaultPort,
	}
}

// Env renders the info as environment variables.
func (i Info) Env() map[string]string {
	return map[string]string{
		CoordinatorAddressEnv: fmt.Sprintf("%s:%d", i.CoordinatorIP, i.Port),
		NumSlicesEnv:          strconv.Itoa(i.NumSlices),
		PortEnv:               strconv.Itoa(i.Port),
		SliceIDEnv:            strconv.Itoa(i.SliceID),
	}
}

// Envs returns the coordination environment of every slice of a run, in slice order, with the
// first slice acting as coordinator. A single slice needs no coordination and gets an empty
// environment.
func Envs(headAddress string, numSlices int) []map[string]string {
	envs := make([]map[string]string, numSlices)
	for i := range envs {
		if numSlices > 1 {
			envs[i] = FromHead(headAddress, i, numSlices).Env()
		} else {
			envs[i] = map[string]string{}
		}
	}
	return envs
}
