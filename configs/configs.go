/*
Package configs holds the launch-time parameters of a stencil run and the
description of the cluster the workers are deployed on.

This file contains the structs and the functions used to read, write and
validate configuration files. Files ending in .yaml or .yml are YAML, anything
else is JSON.
*/
package configs

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Exchange strategy names accepted in Params.Exchange.
const (
	ExchangeNonBlocking = "nonblocking"
	ExchangeOrdered     = "ordered"
)

// Params are the parameters fixed for the whole run. They are never changed
// once the workers have been initialized.
type Params struct {
	Width       int     `json:"width" yaml:"width"`             // global grid width, boundary columns included
	BandHeight  int     `json:"band_height" yaml:"band_height"` // rows owned by each worker
	Alpha       float64 `json:"alpha" yaml:"alpha"`             // diffusion coefficient
	Epsilon     float64 `json:"epsilon" yaml:"epsilon"`         // convergence threshold
	MaxSteps    int     `json:"max_steps" yaml:"max_steps"`
	GhostMargin int     `json:"ghost_margin" yaml:"ghost_margin"` // 1 = ghost-augmented band, 0 = overlapping band
	Exchange    string  `json:"exchange" yaml:"exchange"`
	KernelUnits int     `json:"kernel_units" yaml:"kernel_units"` // 0 means GOMAXPROCS

	// GlobalHeight and ExpectWorkers are optional consistency checks
	// against the launched worker count. Zero disables them.
	GlobalHeight  int `json:"global_height,omitempty" yaml:"global_height,omitempty"`
	ExpectWorkers int `json:"expect_workers,omitempty" yaml:"expect_workers,omitempty"`

	Display  bool   `json:"display,omitempty" yaml:"display,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// VectorLog, when set, is the path prefix of the per-rank vector clock
	// logs written by cluster workers, one "<prefix>-rank<N>.log" each.
	VectorLog string `json:"vector_log,omitempty" yaml:"vector_log,omitempty"`
}

// DefaultParams returns the parameters of the reference benchmark run.
func DefaultParams() Params {
	return Params{
		Width:       100,
		BandHeight:  52,
		Alpha:       0.02,
		Epsilon:     0.0001,
		MaxSteps:    100000,
		GhostMargin: 1,
		Exchange:    ExchangeNonBlocking,
		LogLevel:    "info",
	}
}

// SSHConfig holds what is needed to start a worker on a remote machine.
// Password as plain text is acceptable for a benchmark cluster only.
type SSHConfig struct {
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Port     string `json:"port,omitempty" yaml:"port,omitempty"`
}

// Node is one worker process. Its position in Cluster.Nodes is its rank.
type Node struct {
	Address string     `json:"address" yaml:"address"` // host:port the worker listens on
	SSH     *SSHConfig `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

// Host returns the host part of the node address, without the brackets of
// an IPv6 literal. An empty host is localhost.
func (n Node) Host() string {
	host, _, err := net.SplitHostPort(n.Address)
	if err != nil {
		host = n.Address
	}
	if host == "" {
		return "localhost"
	}
	return host
}

// Cluster describes a multi-process job.
type Cluster struct {
	Nodes      []Node `json:"nodes" yaml:"nodes"`
	Binary     string `json:"binary,omitempty" yaml:"binary,omitempty"`           // worker executable path on the remote nodes
	ConfigPath string `json:"config_path,omitempty" yaml:"config_path,omitempty"` // config file path on the remote nodes
}

// Config is the content of a configuration file.
type Config struct {
	Params  Params  `json:"params" yaml:"params"`
	Cluster Cluster `json:"cluster" yaml:"cluster"`
}

// Workers returns the number of workers described by the cluster.
func (c Config) Workers() int {
	return len(c.Cluster.Nodes)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ReadConfig reads a configuration file. Fields missing from the file keep
// the values of DefaultParams.
func ReadConfig(path string) (Config, error) {
	c := Config{Params: DefaultParams()}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("configs: read %s: %w", path, err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &c)
	} else {
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return c, fmt.Errorf("configs: decode %s: %w", path, err)
	}
	return c, nil
}

// WriteConfig writes the configuration file used by deployed workers.
func WriteConfig(path string, c Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("configs: encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}
