// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon's YAML configuration.
//
//	log:
//	  spec: info,table=debug
//	  format: json
//	services:
//	  - name: www.example.com
//	    rules:
//	      - {type: forward, priority: 10, ifindex: 2, dest: 192.0.2.1}
//	files:
//	  - path: /etc/svctable/extra.yaml
//	    interval: 30s
//	etcd:
//	  endpoints: [127.0.0.1:2379]
//	  prefix: /svctable/
//	links:
//	  poll_interval: 2s
//	dump_interval: 1m
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bufbuild/svctable/controlplane"
	"github.com/bufbuild/svctable/internal/logging"
	"gopkg.in/yaml.v3"
)

const (
	DefaultEtcdPrefix      = "/svctable/"
	DefaultDialTimeout     = 5 * time.Second
	DefaultResyncPerSecond = 1.0
	DefaultPollInterval    = 5 * time.Second
	DefaultFileInterval    = 30 * time.Second
)

var errNoEndpoints = errors.New("etcd needs at least one endpoint")

// Config is the top-level configuration.
type Config struct {
	Log      Log                          `yaml:"log"`
	Services []controlplane.ServiceRecord `yaml:"services"`
	Files    []File                       `yaml:"files"`
	Etcd     *Etcd                        `yaml:"etcd"`
	Links    Links                        `yaml:"links"`
	// DumpInterval is how often the table is written to the log at debug
	// level. Zero disables dumps.
	DumpInterval time.Duration `yaml:"dump_interval"`
}

// Log configures logging. Spec uses the internal/logging syntax.
type Log struct {
	Spec   string `yaml:"spec"`
	Format string `yaml:"format"`
}

// File is a YAML file of service records that is polled for changes.
type File struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Etcd configures the etcd control plane source.
type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ResyncPerSecond bounds how often the prefix is re-read.
	ResyncPerSecond float64 `yaml:"resync_per_second"`
}

// Links configures the link-state monitor.
type Links struct {
	Disabled     bool          `yaml:"disabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Parse decodes data, rejecting unknown fields, then fills in defaults and
// validates the result. Empty input yields the defaults.
func Parse(data []byte) (*Config, error) {
	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	for i := range c.Files {
		if c.Files[i].Interval == 0 {
			c.Files[i].Interval = DefaultFileInterval
		}
	}
	if c.Etcd != nil {
		if c.Etcd.Prefix == "" {
			c.Etcd.Prefix = DefaultEtcdPrefix
		}
		if c.Etcd.DialTimeout == 0 {
			c.Etcd.DialTimeout = DefaultDialTimeout
		}
		if c.Etcd.ResyncPerSecond == 0 {
			c.Etcd.ResyncPerSecond = DefaultResyncPerSecond
		}
	}
	if c.Links.PollInterval == 0 {
		c.Links.PollInterval = DefaultPollInterval
	}
}

func (c *Config) validate() error {
	if _, err := logging.ParseSpec(c.Log.Spec); err != nil {
		return fmt.Errorf("log.spec: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}
	if _, err := c.Registrations(); err != nil {
		return fmt.Errorf("services: %w", err)
	}
	for i, file := range c.Files {
		if file.Path == "" {
			return fmt.Errorf("files[%d]: path is required", i)
		}
		if file.Interval < 0 {
			return fmt.Errorf("files[%d]: negative interval", i)
		}
	}
	if c.Etcd != nil {
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd: %w", errNoEndpoints)
		}
		if c.Etcd.DialTimeout < 0 || c.Etcd.ResyncPerSecond < 0 {
			return errors.New("etcd: dial_timeout and resync_per_second must not be negative")
		}
	}
	if c.Links.PollInterval < 0 {
		return errors.New("links.poll_interval must not be negative")
	}
	if c.DumpInterval < 0 {
		return errors.New("dump_interval must not be negative")
	}
	return nil
}

// Registrations returns the statically configured registrations.
func (c *Config) Registrations() ([]controlplane.Registration, error) {
	return controlplane.Flatten(c.Services)
}
