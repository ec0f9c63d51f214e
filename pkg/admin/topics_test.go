// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/metadata"
	"github.com/lachlanorr/kscope/pkg/stream/offline"
)

const testBrokers = "localhost:9092"

func newTestService(t *testing.T) (*Service, *metadata.Provider) {
	ostrmprov, err := offline.NewOfflinePlatform(map[string]string{"local": testBrokers}, time.Now())
	if err != nil {
		t.Fatalf("NewOfflinePlatform error: %s", err.Error())
	}
	mdp := metadata.NewProvider(ostrmprov, testBrokers)
	return NewService(ostrmprov, mdp), mdp
}

func findProp(props []ConfigProperty, name string) (ConfigProperty, bool) {
	for _, prop := range props {
		if prop.Name == name {
			return prop, true
		}
	}
	return ConfigProperty{}, false
}

func TestTopicConfigs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	props, err := svc.TopicConfigs(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicConfigs error: %s", err.Error())
	}
	if len(props) != len(offline.TopicConfigDefaults) {
		t.Fatalf("Expected %d properties, got %d", len(offline.TopicConfigDefaults), len(props))
	}
	for i := 1; i < len(props); i++ {
		if props[i-1].Name >= props[i].Name {
			t.Fatalf("Properties not sorted: %s before %s", props[i-1].Name, props[i].Name)
		}
	}
	prop, ok := findProp(props, "retention.ms")
	if !ok || prop.Value != "604800000" || prop.Source != "Default" {
		t.Fatalf("Unexpected retention.ms: %+v", prop)
	}

	_, err = svc.TopicConfigs(ctx, "missing")
	if !errors.Is(err, kscope.ErrTopicNotFound) {
		t.Fatalf("Expected ErrTopicNotFound, got %v", err)
	}
}

func TestAlterTopicConfigs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.AlterTopicConfigs(ctx, "orders", map[string]string{"retention.ms": "3600000"})
	if err != nil {
		t.Fatalf("AlterTopicConfigs error: %s", err.Error())
	}
	// second alter must not revert the first
	err = svc.AlterTopicConfigs(ctx, "orders", map[string]string{"cleanup.policy": "compact"})
	if err != nil {
		t.Fatalf("AlterTopicConfigs error: %s", err.Error())
	}

	props, err := svc.TopicConfigs(ctx, "orders")
	if err != nil {
		t.Fatalf("TopicConfigs error: %s", err.Error())
	}
	if prop, _ := findProp(props, "retention.ms"); prop.Value != "3600000" || prop.Source != "DynamicTopic" {
		t.Fatalf("Unexpected retention.ms: %+v", prop)
	}
	if prop, _ := findProp(props, "cleanup.policy"); prop.Value != "compact" || prop.Source != "DynamicTopic" {
		t.Fatalf("Unexpected cleanup.policy: %+v", prop)
	}

	err = svc.AlterTopicConfigs(ctx, "orders", map[string]string{"retention.ms": ""})
	if err != nil {
		t.Fatalf("AlterTopicConfigs error: %s", err.Error())
	}
	props, _ = svc.TopicConfigs(ctx, "orders")
	if prop, _ := findProp(props, "retention.ms"); prop.Source != "Default" {
		t.Fatalf("Expected retention.ms reverted to default: %+v", prop)
	}
	if prop, _ := findProp(props, "cleanup.policy"); prop.Value != "compact" {
		t.Fatalf("Unrelated override lost: %+v", prop)
	}

	err = svc.AlterTopicConfigs(ctx, "orders", map[string]string{"no.such.config": "1"})
	if !errors.Is(err, kscope.ErrAdmin) {
		t.Fatalf("Expected ErrAdmin for unknown config, got %v", err)
	}
}

func TestCreateDeleteTopic(t *testing.T) {
	svc, mdp := newTestService(t)
	ctx := context.Background()

	before, err := mdp.ClusterMetadata(ctx)
	if err != nil {
		t.Fatalf("ClusterMetadata error: %s", err.Error())
	}
	if _, ok := before.Topic("audit"); ok {
		t.Fatalf("audit exists before create")
	}

	name, err := svc.CreateTopic(ctx, "audit", 4, 0, map[string]string{"retention.ms": "1000"})
	if err != nil {
		t.Fatalf("CreateTopic error: %s", err.Error())
	}
	if name != "audit" {
		t.Fatalf("Unexpected topic name: %s", name)
	}

	after, err := mdp.ClusterMetadata(ctx)
	if err != nil {
		t.Fatalf("ClusterMetadata error: %s", err.Error())
	}
	topic, ok := after.Topic("audit")
	if !ok || len(topic.Partitions) != 4 {
		t.Fatalf("Created topic missing from refreshed metadata: %+v", topic)
	}

	props, _ := svc.TopicConfigs(ctx, "audit")
	if prop, _ := findProp(props, "retention.ms"); prop.Value != "1000" {
		t.Fatalf("Create config not applied: %+v", prop)
	}

	if _, err := svc.CreateTopic(ctx, "audit", 1, 1, nil); !errors.Is(err, kscope.ErrAdmin) {
		t.Fatalf("Expected ErrAdmin on duplicate create, got %v", err)
	}
	if _, err := svc.CreateTopic(ctx, "wide", 1, 5, nil); !errors.Is(err, kscope.ErrAdmin) {
		t.Fatalf("Expected ErrAdmin on oversized replication factor, got %v", err)
	}

	status, err := svc.DeleteTopic(ctx, "audit")
	if err != nil {
		t.Fatalf("DeleteTopic error: %s", err.Error())
	}
	if status != "Topic audit deleted" {
		t.Fatalf("Unexpected status: %s", status)
	}
	if _, err := svc.DeleteTopic(ctx, "audit"); !errors.Is(err, kscope.ErrTopicNotFound) {
		t.Fatalf("Expected ErrTopicNotFound on second delete, got %v", err)
	}
}
