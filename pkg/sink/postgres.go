// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const createLagTable = `CREATE TABLE IF NOT EXISTS kscope_group_lag (
    ts             TIMESTAMPTZ NOT NULL,
    cluster        TEXT        NOT NULL,
    consumer_group TEXT        NOT NULL,
    topic          TEXT        NOT NULL,
    partition      INTEGER     NOT NULL,
    start_offset   BIGINT      NOT NULL,
    end_offset     BIGINT      NOT NULL,
    current_offset BIGINT      NOT NULL,
    lag            BIGINT      NOT NULL,
    PRIMARY KEY (ts, cluster, consumer_group, topic, partition)
)`

const insertLagRow = `INSERT INTO kscope_group_lag
    (ts, cluster, consumer_group, topic, partition, start_offset, end_offset, current_offset, lag)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT DO NOTHING`

type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	pool, err := pgxpool.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("Failed to create pgxpool: %w", err)
	}
	if _, err := pool.Exec(ctx, createLagTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Failed to create kscope_group_lag: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Write inserts every row of the snapshot in a single batch.
func (ps *PostgresSink) Write(ctx context.Context, snap *LagSnapshot) error {
	rows := snap.Rows()
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(
			insertLagRow,
			snap.Timestamp,
			row.Cluster,
			row.Group,
			row.Topic,
			row.Partition,
			row.StartOffset,
			row.EndOffset,
			row.CurrentOffset,
			row.Lag,
		)
	}

	br := ps.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("Failed to insert lag row: %w", err)
		}
	}
	return nil
}

func (ps *PostgresSink) Close() error {
	ps.pool.Close()
	return nil
}
