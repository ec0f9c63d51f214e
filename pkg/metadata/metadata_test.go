// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/stream/offline"
)

const testBrokers = "localhost:9092"

func newTestProvider(t *testing.T) (*Provider, *offline.Cluster) {
	ostrmprov, err := offline.NewOfflinePlatform(map[string]string{"local": testBrokers}, time.Now())
	if err != nil {
		t.Fatalf("NewOfflinePlatform error: %s", err.Error())
	}
	clus, _ := ostrmprov.GetCluster(testBrokers)
	return NewProvider(ostrmprov, testBrokers), clus
}

func TestClusterMetadata(t *testing.T) {
	mdp, clus := newTestProvider(t)
	ctx := context.Background()

	cmd, err := mdp.ClusterMetadata(ctx)
	if err != nil {
		t.Fatalf("ClusterMetadata error: %s", err.Error())
	}
	if len(cmd.Brokers) != 1 || cmd.Brokers[0].Host != "localhost" || cmd.Brokers[0].Port != 9092 {
		t.Fatalf("Unexpected brokers: %+v", cmd.Brokers)
	}
	if len(cmd.Topics) != 2 || cmd.Topics[0].Name != "orders" || cmd.Topics[1].Name != "payments" {
		t.Fatalf("Unexpected topics: %+v", cmd.Topics)
	}
	if len(cmd.Topics[0].Partitions) != 3 {
		t.Fatalf("Expected 3 orders partitions, got %d", len(cmd.Topics[0].Partitions))
	}

	// memoized until invalidated
	if _, err := clus.CreateTopic("audit", 1); err != nil {
		t.Fatalf("CreateTopic error: %s", err.Error())
	}
	cmd2, _ := mdp.ClusterMetadata(ctx)
	if cmd2 != cmd {
		t.Fatalf("Expected memoized snapshot")
	}
	mdp.Invalidate()
	cmd3, err := mdp.ClusterMetadata(ctx)
	if err != nil {
		t.Fatalf("ClusterMetadata error after Invalidate: %s", err.Error())
	}
	if _, ok := cmd3.Topic("audit"); !ok {
		t.Fatalf("Refetched snapshot missing new topic")
	}
}

func TestTopicMetadata(t *testing.T) {
	mdp, clus := newTestProvider(t)
	ctx := context.Background()

	topic, err := mdp.TopicMetadata(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicMetadata error: %s", err.Error())
	}
	ids := topic.PartitionIds()
	if len(ids) != 3 || ids[2] != 2 {
		t.Fatalf("Unexpected partition ids: %v", ids)
	}

	_, err = mdp.TopicMetadata(ctx, "missing")
	if !errors.Is(err, kscope.ErrMetadata) || !errors.Is(err, kscope.ErrTopicNotFound) {
		t.Fatalf("Expected ErrMetadata and ErrTopicNotFound, got %v", err)
	}

	clus.SetUnreachable(true)
	_, err = mdp.TopicMetadata(ctx, "orders")
	if !errors.Is(err, kscope.ErrMetadata) {
		t.Fatalf("Expected ErrMetadata from unreachable cluster, got %v", err)
	}
}

func TestUnknownBrokers(t *testing.T) {
	mdp := NewProvider(offline.NewOfflineStreamProvider(), testBrokers)
	_, err := mdp.ClusterMetadata(context.Background())
	if !errors.Is(err, kscope.ErrConnection) {
		t.Fatalf("Expected ErrConnection, got %v", err)
	}
}
