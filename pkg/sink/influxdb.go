// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sink

import (
	"context"
	"fmt"

	client "github.com/influxdata/influxdb/client/v2"
)

const influxMeasurement = "consumer_metrics"

type InfluxConfig struct {
	Addr     string
	Username string
	Password string
	Db       string
}

type InfluxSink struct {
	cfg    InfluxConfig
	client client.Client
}

func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, err
	}
	return &InfluxSink{
		cfg:    cfg,
		client: c,
	}, nil
}

// points skips partitions whose lag is unknown.
func (is *InfluxSink) points(snap *LagSnapshot) (client.BatchPoints, error) {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  is.cfg.Db,
		Precision: "ms",
	})
	if err != nil {
		return nil, err
	}
	for _, row := range snap.Rows() {
		if row.Lag < 0 {
			continue
		}
		tags := map[string]string{
			"cluster":        row.Cluster,
			"consumer_group": row.Group,
			"topic":          row.Topic,
			"partition":      fmt.Sprintf("%d", row.Partition),
		}
		// offset is an influxql keyword
		fields := map[string]interface{}{
			"logsize": row.EndOffset,
			"offsize": row.CurrentOffset,
			"lag":     row.Lag,
		}
		pt, err := client.NewPoint(influxMeasurement, tags, fields, snap.Timestamp)
		if err != nil {
			return nil, err
		}
		bp.AddPoint(pt)
	}
	return bp, nil
}

func (is *InfluxSink) Write(ctx context.Context, snap *LagSnapshot) error {
	bp, err := is.points(snap)
	if err != nil {
		return err
	}
	if len(bp.Points()) == 0 {
		return nil
	}
	return is.client.Write(bp)
}

func (is *InfluxSink) Close() error {
	return is.client.Close()
}
