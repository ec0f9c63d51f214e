// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	DefaultFileName    = ".kscope.json"
	LocalClusterName   = "local"
	LocalClusterBroker = "localhost:9092"
)

type ClusterConfig struct {
	Name             string   `json:"name"`
	BootstrapServers []string `json:"bootstrap_servers"`
}

func (cc ClusterConfig) Brokers() string {
	return strings.Join(cc.BootstrapServers, ",")
}

// Config is the cluster profile file. It is not safe for concurrent use,
// callers serialize access.
type Config struct {
	Clusters       map[string]ClusterConfig `json:"clusters"`
	DefaultCluster string                   `json:"default_cluster"`
}

func Default() *Config {
	return &Config{
		Clusters: map[string]ClusterConfig{
			LocalClusterName: {
				Name:             LocalClusterName,
				BootstrapServers: []string{LocalClusterBroker},
			},
		},
		DefaultCluster: LocalClusterName,
	}
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultFileName
	}
	return filepath.Join(home, DefaultFileName)
}

// Load reads path, falling back to Default when the file does not exist.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return Json2config(data)
}

func Json2config(data []byte) (*Config, error) {
	conf := &Config{}
	if err := json.Unmarshal(data, conf); err != nil {
		return nil, err
	}
	if len(conf.Clusters) == 0 {
		return nil, errors.New("config has no clusters")
	}
	for name, cc := range conf.Clusters {
		if len(cc.BootstrapServers) == 0 {
			return nil, fmt.Errorf("cluster '%s' has no bootstrap_servers", name)
		}
		if cc.Name == "" {
			cc.Name = name
			conf.Clusters[name] = cc
		}
	}
	if conf.DefaultCluster == "" {
		conf.DefaultCluster = conf.ClusterNames()[0]
	}
	return conf, nil
}

func (conf *Config) Save(path string) error {
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, data, 0600)
}

func (conf *Config) ClusterNames() []string {
	names := make([]string, 0, len(conf.Clusters))
	for name := range conf.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClusterList returns every profile ordered by name.
func (conf *Config) ClusterList() []ClusterConfig {
	names := conf.ClusterNames()
	ccs := make([]ClusterConfig, 0, len(names))
	for _, name := range names {
		ccs = append(ccs, conf.Clusters[name])
	}
	return ccs
}

func (conf *Config) SetDefaultCluster(name string) (ClusterConfig, error) {
	cc, ok := conf.Clusters[name]
	if !ok {
		return ClusterConfig{}, fmt.Errorf("Cluster key '%s' does not exist in the config", name)
	}
	conf.DefaultCluster = name
	return cc, nil
}

// DefaultClusterConfig never fails, a dangling default resolves to a
// localhost profile.
func (conf *Config) DefaultClusterConfig() ClusterConfig {
	cc, ok := conf.Clusters[conf.DefaultCluster]
	if !ok {
		return ClusterConfig{
			Name:             "default",
			BootstrapServers: []string{LocalClusterBroker},
		}
	}
	return cc
}
