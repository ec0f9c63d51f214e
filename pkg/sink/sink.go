// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sink

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

// LagSnapshot is one Lag Reporter result for a group at a point in time.
type LagSnapshot struct {
	Cluster   string
	Group     string
	Timestamp time.Time
	Topics    []kscope.ConsumerGroupOffsetDescription
}

// Row flattens one partition of a snapshot.
type Row struct {
	Cluster       string `json:"cluster"`
	Group         string `json:"consumer_group"`
	Topic         string `json:"topic"`
	Partition     int32  `json:"partition"`
	StartOffset   int64  `json:"start_offset"`
	EndOffset     int64  `json:"end_offset"`
	CurrentOffset int64  `json:"current_offset"`
	Lag           int64  `json:"lag"`
	Timestamp     int64  `json:"ts"`
}

func (snap *LagSnapshot) Rows() []Row {
	var rows []Row
	for _, desc := range snap.Topics {
		for _, p := range desc.Partitions {
			rows = append(rows, Row{
				Cluster:       snap.Cluster,
				Group:         snap.Group,
				Topic:         desc.Topic,
				Partition:     p.Partition,
				StartOffset:   p.StartOffset,
				EndOffset:     p.EndOffset,
				CurrentOffset: p.CurrentOffset,
				Lag:           p.Lag(),
				Timestamp:     snap.Timestamp.UnixMilli(),
			})
		}
	}
	return rows
}

type Sink interface {
	Write(ctx context.Context, snap *LagSnapshot) error
	Close() error
}

// Multi fans a snapshot out to every sink. One failing sink does not
// prevent writes to the others.
type Multi []Sink

func (m Multi) Write(ctx context.Context, snap *LagSnapshot) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Write(ctx, snap); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m Multi) Close() error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type LagFunc func(ctx context.Context, group string) ([]kscope.ConsumerGroupOffsetDescription, error)

// Watch runs lagFn for group every interval until ctx is done, writing each
// snapshot to snk. Failed polls and writes are logged and retried on the
// next tick.
func Watch(
	ctx context.Context,
	interval time.Duration,
	cluster string,
	group string,
	lagFn LagFunc,
	snk Sink,
) {
	wlog := log.With().
		Str("Cluster", cluster).
		Str("Group", group).
		Logger()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		descs, err := lagFn(ctx, group)
		if err != nil {
			wlog.Error().
				Err(err).
				Msg("Lag poll failed")
			return
		}
		snap := &LagSnapshot{
			Cluster:   cluster,
			Group:     group,
			Timestamp: time.Now(),
			Topics:    descs,
		}
		if err := snk.Write(ctx, snap); err != nil {
			wlog.Error().
				Err(err).
				Msg("Lag snapshot write failed")
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			wlog.Info().
				Msg("Watch exiting, ctx.Done()")
			return
		case <-ticker.C:
			poll()
		}
	}
}
