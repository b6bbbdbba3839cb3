package image

import (
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// HealthConfig mirrors the docker config schema. The OCI image-spec
// config struct has no healthcheck field, so the config document carries
// this extension the same way docker-built images do.
type HealthConfig struct {
	Test        []string      `json:"Test,omitempty"`
	Interval    time.Duration `json:"Interval,omitempty"`
	Timeout     time.Duration `json:"Timeout,omitempty"`
	StartPeriod time.Duration `json:"StartPeriod,omitempty"`
	Retries     int           `json:"Retries,omitempty"`
}

// Config is the runtime section of the image config document: the
// accumulated effect of all metadata instructions.
type Config struct {
	User         string              `json:"User,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Env          []string            `json:"Env,omitempty"`
	Entrypoint   []string            `json:"Entrypoint,omitempty"`
	Cmd          []string            `json:"Cmd,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	WorkingDir   string              `json:"WorkingDir,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	StopSignal   string              `json:"StopSignal,omitempty"`
	Healthcheck  *HealthConfig       `json:"Healthcheck,omitempty"`
}

// ConfigFile is the full image config document referenced by the
// manifest.
type ConfigFile struct {
	Created      *time.Time        `json:"created,omitempty"`
	Author       string            `json:"author,omitempty"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
	Config       Config            `json:"config"`
	RootFS       ocispec.RootFS    `json:"rootfs"`
	History      []ocispec.History `json:"history,omitempty"`
}

// SetEnv sets key=value in the Env list, replacing an existing entry for
// the same key.
func (c *Config) SetEnv(key, value string) {
	entry := key + "=" + value
	for i, kv := range c.Env {
		if len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '=' {
			c.Env[i] = entry
			return
		}
	}
	c.Env = append(c.Env, entry)
}

// EnvMap flattens the Env list into a map for variable expansion.
func (c *Config) EnvMap() map[string]string {
	m := make(map[string]string, len(c.Env))
	for _, kv := range c.Env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

func (c *Config) SetLabel(key, value string) {
	if c.Labels == nil {
		c.Labels = map[string]string{}
	}
	c.Labels[key] = value
}

func (c *Config) ExposePort(port string) {
	if c.ExposedPorts == nil {
		c.ExposedPorts = map[string]struct{}{}
	}
	c.ExposedPorts[port] = struct{}{}
}

func (c *Config) AddVolume(path string) {
	if c.Volumes == nil {
		c.Volumes = map[string]struct{}{}
	}
	c.Volumes[path] = struct{}{}
}

// clone deep-copies the config so a stage can inherit its base image's
// runtime config without aliasing.
func (c Config) clone() Config {
	out := c
	out.Env = append([]string(nil), c.Env...)
	out.Entrypoint = append([]string(nil), c.Entrypoint...)
	out.Cmd = append([]string(nil), c.Cmd...)
	if c.ExposedPorts != nil {
		out.ExposedPorts = make(map[string]struct{}, len(c.ExposedPorts))
		for k := range c.ExposedPorts {
			out.ExposedPorts[k] = struct{}{}
		}
	}
	if c.Volumes != nil {
		out.Volumes = make(map[string]struct{}, len(c.Volumes))
		for k := range c.Volumes {
			out.Volumes[k] = struct{}{}
		}
	}
	if c.Labels != nil {
		out.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			out.Labels[k] = v
		}
	}
	if c.Healthcheck != nil {
		hc := *c.Healthcheck
		hc.Test = append([]string(nil), c.Healthcheck.Test...)
		out.Healthcheck = &hc
	}
	return out
}
