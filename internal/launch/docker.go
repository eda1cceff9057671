package launch

import (
	"context"
	"encoding/json"
	"io"

	"github.com/docker/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ContainerWaiter contains channels to wait on the termination of a running container. Results on
// the Waiter channel indicate changes in container state, while results on the Errs channel
// indicate failures to watch for updates.
type ContainerWaiter struct {
	Waiter <-chan container.WaitResponse
	Errs   <-chan error
}

// Client wraps the Docker client of one host with the few higher level calls a run needs.
type Client struct {
	cl    *client.Client
	auths registryAuths
	log   *logrus.Entry
}

// NewClient wraps cl. Images are pulled with the registry credentials of the docker config file,
// from its credential helpers or its auths section.
func NewClient(cl *client.Client) *Client {
	d := &Client{
		cl:  cl,
		log: logrus.WithFields(logrus.Fields{"component": "docker-client", "host": cl.DaemonHost()}),
	}

	path, err := dockerConfigPath()
	if err == nil {
		d.auths, err = loadRegistryAuths(path)
	}
	if err != nil {
		d.log.Debugf("couldn't process docker config, continuing without credentials: %v", err)
	}
	return d
}

// RemoveContainer force-removes the named container. A container that does not exist is already
// removed.
func (d *Client) RemoveContainer(ctx context.Context, name string) error {
	err := d.cl.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "removing container %s", name)
	}
	return nil
}

// EnsureImage pulls image unless the daemon already has it. An image without a tag is latest.
func (d *Client) EnsureImage(ctx context.Context, name string) error {
	ref, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return errors.Wrapf(err, "parsing image name %s", name)
	}
	image := reference.TagNameOnly(ref).String()

	switch _, _, err := d.cl.ImageInspectWithRaw(ctx, image); {
	case client.IsErrNotFound(err):
		d.log.Infof("image not found, pulling image: %s", image)
	case err != nil:
		return errors.Wrapf(err, "checking if image %s exists", image)
	default:
		d.log.Debugf("image already found, skipping pull: %s", image)
		return nil
	}

	auth, source, err := d.auths.resolve(ref)
	if err != nil {
		return errors.Wrapf(err, "getting registry credentials for %s", image)
	}
	if source != "" {
		d.log.Infof("domain '%s' found in '%s' of docker config", reference.Domain(ref), source)
	}
	encoded, err := encodeAuth(auth)
	if err != nil {
		return errors.Wrapf(err, "encoding registry credentials for %s", image)
	}

	logs, err := d.cl.ImagePull(ctx, image, types.ImagePullOptions{RegistryAuth: encoded})
	if err != nil {
		return errors.Wrapf(err, "pulling image %s", image)
	}
	defer func() {
		if err := logs.Close(); err != nil {
			d.log.WithError(err).Error("error closing pull log stream")
		}
	}()

	dec := json.NewDecoder(logs)
	for {
		var msg jsonmessage.JSONMessage
		switch err := dec.Decode(&msg); {
		case err == io.EOF:
			d.log.Infof("pulled image %s", image)
			return nil
		case err != nil:
			return errors.Wrapf(err, "reading pull log stream of %s", image)
		case msg.Error != nil:
			return errors.Errorf("pulling image %s: %s", image, msg.Error.Message)
		case msg.Progress == nil && msg.Status != "":
			d.log.Debugf("%s: %s %s", image, msg.ID, msg.Status)
		}
	}
}

// CreateContainer creates the named container and returns its ID.
func (d *Client) CreateContainer(
	ctx context.Context, name string, config *container.Config, hostConfig *container.HostConfig,
) (string, error) {
	response, err := d.cl.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", errors.Wrapf(err, "creating container %s", name)
	}
	for _, w := range response.Warnings {
		d.log.Warnf("warning when creating container %s: %s", name, w)
	}
	return response.ID, nil
}

// RunContainer starts a created container. It takes two contexts: one to govern starting the
// container, and another to govern the lifetime of the waiter returned.
// nolint: golint // Both contexts can't both be first.
func (d *Client) RunContainer(ctx context.Context, waitCtx context.Context, id string) (ContainerWaiter, error) {
	// Wait before start to not miss immediate exits.
	waiter, errs := d.cl.ContainerWait(waitCtx, id, container.WaitConditionNextExit)
	if err := d.cl.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return ContainerWaiter{}, errors.Wrapf(err, "starting container %s", id)
	}
	return ContainerWaiter{Waiter: waiter, Errs: errs}, nil
}

// StreamLogs copies the container's output to log until the container exits or ctx ends. Stdout
// is logged at info and stderr at warning.
func (d *Client) StreamLogs(ctx context.Context, id string, log *logrus.Entry) error {
	logs, err := d.cl.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return errors.Wrapf(err, "following logs of %s", id)
	}
	defer logs.Close()

	stdout := log.WriterLevel(logrus.InfoLevel)
	defer stdout.Close()
	stderr := log.WriterLevel(logrus.WarnLevel)
	defer stderr.Close()
	if _, err := stdcopy.StdCopy(stdout, stderr, logs); err != nil {
		return errors.Wrapf(err, "copying logs of %s", id)
	}
	return nil
}

// Close closes the underlying client.
func (d *Client) Close() error {
	return d.cl.Close()
}
