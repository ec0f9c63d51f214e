// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "kscope"

// Settings are process level knobs read from KSCOPE_* environment
// variables. Command line flags take precedence over these.
type Settings struct {
	ConfigPath      string        `envconfig:"CONFIG"`
	Cluster         string        `envconfig:"CLUSTER"`
	Offline         bool          `envconfig:"OFFLINE"`
	HttpAddr        string        `envconfig:"HTTP_ADDR" default:":11380"`
	GrpcAddr        string        `envconfig:"GRPC_ADDR" default:":11381"`
	OtelcolEndpoint string        `envconfig:"OTELCOL_ENDPOINT"`
	PostgresUrl     string        `envconfig:"POSTGRES_URL"`
	InfluxdbAddr    string        `envconfig:"INFLUXDB_ADDR"`
	InfluxdbDb      string        `envconfig:"INFLUXDB_DB" default:"kscope"`
	InfluxdbUser    string        `envconfig:"INFLUXDB_USER"`
	InfluxdbPwd     string        `envconfig:"INFLUXDB_PWD"`
	WatchInterval   time.Duration `envconfig:"WATCH_INTERVAL" default:"10s"`
}

func LoadSettings() (*Settings, error) {
	var settings Settings
	if err := envconfig.Process(EnvPrefix, &settings); err != nil {
		return nil, err
	}
	if settings.ConfigPath == "" {
		settings.ConfigPath = DefaultPath()
	}
	return &settings, nil
}
