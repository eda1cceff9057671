package accel

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultChipsPerHost is the number of chips on each host of a multi-host slice.
const DefaultChipsPerHost = 4

// AcceleratorType is a parsed TPU type like "v4-32": a generation and a size.
type AcceleratorType struct {
	Generation string
	Size       int
}

// ParseAcceleratorType parses strings like "v4-32" or "v5litepod-16".
func ParseAcceleratorType(s string) (AcceleratorType, error) {
	i := strings.LastIndex(s, "-")
	if i <= 0 || i == len(s)-1 {
		return AcceleratorType{}, errors.Errorf("malformed accelerator type %q", s)
	}
	size, err := strconv.Atoi(s[i+1:])
	if err != nil || size <= 0 {
		return AcceleratorType{}, errors.Errorf("malformed accelerator type %q: bad size", s)
	}
	return AcceleratorType{Generation: s[:i], Size: size}, nil
}

func (t AcceleratorType) String() string {
	return t.Generation + "-" + strconv.Itoa(t.Size)
}

// Layout returns how many hosts a slice of this type has and how many chips each carries.
// reported is what the runtime itself claims, used for generations whose size counts hosts
// correctly.
//
// For v4 and v5 slices the runtime's own host count is unreliable, so the size (which counts
// TensorCores) is used instead: eight per host, four chips per host.
func (t AcceleratorType) Layout(reportedHosts, reportedChips int) (hosts, chipsPerHost int) {
	if strings.HasPrefix(t.Generation, "v4") || strings.HasPrefix(t.Generation, "v5") {
		hosts = t.Size / 8
		if hosts < 1 {
			hosts = 1
		}
		return hosts, DefaultChipsPerHost
	}
	if reportedChips <= 0 {
		reportedChips = DefaultChipsPerHost
	}
	if reportedHosts <= 0 {
		reportedHosts = 1
	}
	return reportedHosts, reportedChips
}
