package launch

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/distribution/reference"
	hclient "github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker/api/types/registry"
	dregistry "github.com/docker/docker/registry"
	"github.com/pkg/errors"
)

const (
	//nolint:gosec // It thinks these are credentials...
	credentialsHelperPrefix = "docker-credential-"
	tokenUsername           = "<token>"
)

type credentialStore struct {
	registry string
	store    hclient.ProgramFunc
}

// get executes the command to get the credentials from the native store.
func (s *credentialStore) get() (registry.AuthConfig, error) {
	var ret registry.AuthConfig

	creds, err := hclient.Get(s.store, s.registry)
	if err != nil {
		return ret, err
	}

	if creds.Username == tokenUsername {
		ret.IdentityToken = creds.Secret
	} else {
		ret.Password = creds.Secret
		ret.Username = creds.Username
	}

	ret.ServerAddress = s.registry
	return ret, nil
}

// registryAuths is what a docker config file knows about registry credentials: helpers to ask,
// keyed by registry hostname, and the static "auths" section.
type registryAuths struct {
	stores map[string]*credentialStore
	auths  map[string]registry.AuthConfig
}

func dockerConfigPath() (string, error) {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return filepath.Join(dir, "config.json"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return homeDir, errors.Wrap(err, "unable to find user's HOME directory")
	}
	return filepath.Join(homeDir, ".docker", "config.json"), nil
}

// loadRegistryAuths reads the docker config file at path.
func loadRegistryAuths(path string) (registryAuths, error) {
	bs, err := os.ReadFile(path) // #nosec: G304
	if err != nil {
		return registryAuths{}, errors.Wrap(err, "can't read docker config")
	}

	var config struct {
		CredentialHelpers map[string]string              `json:"credHelpers"`
		Auths             map[string]registry.AuthConfig `json:"auths"`
	}
	if err := json.Unmarshal(bs, &config); err != nil {
		return registryAuths{}, errors.Wrap(err, "can't parse docker config")
	}

	stores := make(map[string]*credentialStore, len(config.CredentialHelpers))
	for hostname, helper := range config.CredentialHelpers {
		stores[hostname] = &credentialStore{
			registry: hostname,
			store:    hclient.NewShellProgramFunc(credentialsHelperPrefix + helper),
		}
	}
	return registryAuths{stores: stores, auths: config.Auths}, nil
}

// resolve finds the credentials to pull image with. A configured credential helper for the image's
// registry wins over the auths section. No credentials is an empty AuthConfig; source says where
// the credentials came from.
func (a registryAuths) resolve(image reference.Named) (auth registry.AuthConfig, source string, err error) {
	domain := reference.Domain(image)
	if store, ok := a.stores[domain]; ok {
		creds, err := store.get()
		if err != nil {
			return auth, "", errors.Wrapf(err, "unable to get credentials for %s from helper", domain)
		}
		return creds, "credHelpers", nil
	}

	index, err := dregistry.ParseSearchIndexInfo(image.String())
	if err != nil {
		return auth, "", errors.Wrapf(err, "invalid docker repo name %s", image)
	}
	auth = dregistry.ResolveAuthConfig(a.auths, index)
	if auth == (registry.AuthConfig{}) {
		return auth, "", nil
	}
	return auth, "auths", nil
}

// encodeAuth encodes auth for the RegistryAuth header of a pull. Docker config files store the
// username and password of an "auths" entry as base64 "user:pass", which the daemon won't read.
func encodeAuth(auth registry.AuthConfig) (string, error) {
	if auth.Auth != "" {
		bs, err := base64.StdEncoding.DecodeString(auth.Auth)
		if err != nil {
			return "", errors.Wrap(err, "decoding registry auth")
		}
		userAndPass := strings.SplitN(string(bs), ":", 2)
		if len(userAndPass) != 2 {
			return "", errors.New("registry auth is not in the form user:pass")
		}
		auth.Username, auth.Password, auth.Auth = userAndPass[0], userAndPass[1], ""
	}
	return registry.EncodeAuthConfig(auth)
}
