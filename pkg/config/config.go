/*
Copyright 2026 The Knative Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the relay's configuration document.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rickb777/date/period"
	"sigs.k8s.io/yaml"

	"knative.dev/eventing-socketio/pkg/handler"
)

// Config is the root of the configuration document.
type Config struct {
	Socket   SocketConfig   `json:"socket"`
	Handlers []handler.Spec `json:"handlers"`
	Health   HealthConfig   `json:"health,omitempty"`
}

// SocketConfig describes the event source connection.
type SocketConfig struct {
	// URL of the socket.io server, e.g. http://localhost:5000.
	URL string `json:"url"`

	// Path the socket.io server is mounted on. Defaults to "socket.io".
	Path string `json:"path,omitempty"`

	// Auth is sent with every namespace connect request.
	Auth map[string]string `json:"auth,omitempty"`

	Reconnect ReconnectConfig `json:"reconnect,omitempty"`
}

// ReconnectConfig controls re-dialing after an established connection drops.
type ReconnectConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// MaxElapsedTime bounds the time spent re-dialing. Zero retries forever.
	MaxElapsedTime Duration `json:"maxElapsedTime,omitempty"`
}

// IsEnabled defaults to true when unset.
func (r ReconnectConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// HealthConfig controls the probe server. A zero port disables it.
type HealthConfig struct {
	Port int `json:"port,omitempty"`
}

// Duration decodes from a Go duration string ("1m30s"), an ISO 8601 duration
// ("PT1M30S") or a number of seconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(t * float64(time.Second))
	case string:
		if strings.HasPrefix(t, "P") || strings.HasPrefix(t, "-P") {
			p, err := period.Parse(t)
			if err != nil {
				return fmt.Errorf("invalid ISO 8601 duration %q: %w", t, err)
			}
			parsed, _ := p.Duration()
			*d = Duration(parsed)
			return nil
		}
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ValidationError reports a configuration document that is well-formed but
// unusable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Load reads and validates the configuration file at path. Environment
// variable references ($VAR or ${VAR}) are expanded before parsing. When
// registry is non-nil every handler type must be registered in it.
func Load(path string, registry *handler.Registry) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return Parse(b, registry)
}

// envRef matches an escaped dollar or a braced environment reference.
var envRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} with the value of VAR (empty when unset) and $$
// with a single $. Any other $ is kept as written.
func ExpandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		if string(m) == "$$" {
			return []byte("$")
		}
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// Parse decodes and validates a YAML (or JSON) configuration document after
// expanding environment references with ExpandEnv.
func Parse(b []byte, registry *handler.Registry) (*Config, error) {
	expanded := ExpandEnv(b)
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.Validate(registry); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the document for values the relay cannot start with.
func (c *Config) Validate(registry *handler.Registry) error {
	if c.Socket.URL == "" {
		return &ValidationError{Field: "socket.url", Reason: "must be set"}
	}
	u, err := url.Parse(c.Socket.URL)
	if err != nil {
		return &ValidationError{Field: "socket.url", Reason: err.Error()}
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return &ValidationError{Field: "socket.url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if len(c.Handlers) == 0 {
		return &ValidationError{Field: "handlers", Reason: "at least one handler is required"}
	}
	for i, h := range c.Handlers {
		if h.Type == "" {
			return &ValidationError{Field: fmt.Sprintf("handlers[%d].type", i), Reason: "must be set"}
		}
		if h.Namespace == "" {
			return &ValidationError{Field: fmt.Sprintf("handlers[%d].namespace", i), Reason: "must be set"}
		}
		if registry != nil {
			if err := registry.Check(h.Type); err != nil {
				return err
			}
		}
	}
	if c.Health.Port < 0 || c.Health.Port > 65535 {
		return &ValidationError{Field: "health.port", Reason: fmt.Sprintf("%d is out of range", c.Health.Port)}
	}
	return nil
}
