// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var testConfigJson = []byte(`{
  "clusters": {
    "dev": {"bootstrap_servers": ["192.168.225.10:9092"]},
    "prod": {"name": "prod", "bootstrap_servers": ["10.10.18.89:9093", "10.10.18.90:9093"]}
  }
}`)

func TestJson2config(t *testing.T) {
	conf, err := Json2config(testConfigJson)
	if err != nil {
		t.Fatalf("Json2config error: %s", err.Error())
	}
	if conf.DefaultCluster != "dev" {
		t.Fatalf("Expected first cluster as default, got %s", conf.DefaultCluster)
	}
	if conf.Clusters["dev"].Name != "dev" {
		t.Fatalf("Expected name filled from key, got %s", conf.Clusters["dev"].Name)
	}
	if !reflect.DeepEqual(conf.ClusterNames(), []string{"dev", "prod"}) {
		t.Fatalf("Unexpected cluster names: %v", conf.ClusterNames())
	}
	if conf.Clusters["prod"].Brokers() != "10.10.18.89:9093,10.10.18.90:9093" {
		t.Fatalf("Unexpected prod brokers: %s", conf.Clusters["prod"].Brokers())
	}

	if _, err := Json2config([]byte(`{"clusters": {}}`)); err == nil {
		t.Fatalf("Expected error for config without clusters")
	}
	if _, err := Json2config([]byte(`{"clusters": {"x": {}}}`)); err == nil {
		t.Fatalf("Expected error for cluster without bootstrap_servers")
	}
}

func TestSetDefaultCluster(t *testing.T) {
	conf, _ := Json2config(testConfigJson)

	cc, err := conf.SetDefaultCluster("prod")
	if err != nil {
		t.Fatalf("SetDefaultCluster error: %s", err.Error())
	}
	if cc.Name != "prod" || conf.DefaultClusterConfig().Name != "prod" {
		t.Fatalf("Default not switched to prod: %+v", cc)
	}

	if _, err := conf.SetDefaultCluster("staging"); err == nil {
		t.Fatalf("Expected error for unknown cluster")
	}
	if conf.DefaultCluster != "prod" {
		t.Fatalf("Failed switch changed default to %s", conf.DefaultCluster)
	}

	conf.DefaultCluster = "gone"
	if dflt := conf.DefaultClusterConfig(); dflt.Brokers() != LocalClusterBroker {
		t.Fatalf("Unexpected fallback cluster: %+v", dflt)
	}
}

func TestLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kscope.json")

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %s", err.Error())
	}
	if !reflect.DeepEqual(conf, Default()) {
		t.Fatalf("Missing file did not yield default config: %+v", conf)
	}

	conf.Clusters["dev"] = ClusterConfig{Name: "dev", BootstrapServers: []string{"dev:9092"}}
	if _, err := conf.SetDefaultCluster("dev"); err != nil {
		t.Fatalf("SetDefaultCluster error: %s", err.Error())
	}
	if err := conf.Save(path); err != nil {
		t.Fatalf("Save error: %s", err.Error())
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %s", err.Error())
	}
	if !reflect.DeepEqual(reloaded, conf) {
		t.Fatalf("Reloaded config differs: %+v != %+v", reloaded, conf)
	}

	if err := os.WriteFile(path, []byte("{"), 0600); err != nil {
		t.Fatalf("WriteFile error: %s", err.Error())
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Expected error for malformed file")
	}
}

func TestLoadSettings(t *testing.T) {
	os.Setenv("KSCOPE_HTTP_ADDR", ":9999")
	os.Setenv("KSCOPE_WATCH_INTERVAL", "3s")
	os.Setenv("KSCOPE_CONFIG", "/tmp/kscope-test.json")
	defer os.Unsetenv("KSCOPE_HTTP_ADDR")
	defer os.Unsetenv("KSCOPE_WATCH_INTERVAL")
	defer os.Unsetenv("KSCOPE_CONFIG")

	settings, err := LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings error: %s", err.Error())
	}
	if settings.HttpAddr != ":9999" {
		t.Fatalf("Unexpected HttpAddr: %s", settings.HttpAddr)
	}
	if settings.GrpcAddr != ":11381" {
		t.Fatalf("Unexpected default GrpcAddr: %s", settings.GrpcAddr)
	}
	if settings.WatchInterval != 3*time.Second {
		t.Fatalf("Unexpected WatchInterval: %s", settings.WatchInterval)
	}
	if settings.ConfigPath != "/tmp/kscope-test.json" {
		t.Fatalf("Unexpected ConfigPath: %s", settings.ConfigPath)
	}
}
