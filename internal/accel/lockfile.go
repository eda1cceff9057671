package accel

import (
	"context"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultLockfile is where libtpu records which process owns the chips. The runtime removes it on
// a clean exit only, so a killed run leaves it behind and the next run on the host cannot start.
const DefaultLockfile = "/tmp/libtpu_lockfile"

var log = logrus.WithField("component", "accel")

// RemoveLockfile deletes the lockfile at path, escalating through sudo if the file belongs to
// another user. A missing file is not an error.
func RemoveLockfile(ctx context.Context, path string) error {
	err := os.Remove(path)
	switch {
	case err == nil:
		log.Infof("removed stale lockfile %s", path)
		return nil
	case os.IsNotExist(err):
		return nil
	case !os.IsPermission(err):
		return errors.Wrapf(err, "removing %s", path)
	}

	log.WithError(err).Warnf("failed to remove %s, retrying with sudo", path)
	// #nosec G204
	if out, err := exec.CommandContext(ctx, "sudo", "rm", "-f", path).CombinedOutput(); err != nil {
		return errors.Wrapf(err, "sudo rm %s: %s", path, out)
	}
	return nil
}
