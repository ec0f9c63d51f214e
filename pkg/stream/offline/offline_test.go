// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

func TestTopic(t *testing.T) {
	topic := NewTopic("foo", 3)
	if len(topic.partitions) != 3 {
		t.Fatalf("Invalid partition count, expecting 3 vs %d", len(topic.partitions))
	}

	for pi, part := range topic.partitions {
		if part.Len() != 0 {
			t.Fatalf("Empty partition with non-zero Len(): %d", part.Len())
		}

		for mi := 0; mi < 10; mi++ {
			part.Produce(
				&kafka.Message{
					Value: []byte(fmt.Sprintf("Message %d.%d", pi, mi)),
				},
			)
		}
	}

	for pi, part := range topic.partitions {
		if part.Len() != 10 {
			t.Fatalf("Partition with wrong Len(): %d.%d", pi, part.Len())
		}

		if part.GetMessage(-1) != nil {
			t.Fatalf("Non-nil GetMessage() for -1 offset")
		}
		if part.GetMessage(10) != nil {
			t.Fatalf("Non-nil GetMessage() for out of bounds offset")
		}

		for mi := 0; mi < 10; mi++ {
			msg := part.GetMessage(kafka.Offset(mi))
			if msg.Timestamp.IsZero() {
				t.Fatalf("Timestamp not set in message %d.%d", pi, mi)
			}
			if msg.TimestampType != kafka.TimestampLogAppendTime {
				t.Fatalf("Bad TimestampType in message %d.%d", pi, mi)
			}
			if int64(msg.TopicPartition.Offset) != int64(mi) {
				t.Fatalf("Bad offset in message %d.%d: %d", pi, mi, msg.TopicPartition.Offset)
			}

			expectedVal := fmt.Sprintf("Message %d.%d", pi, mi)
			if string(msg.Value) != expectedVal {
				t.Fatalf("Unexpected Value for message %d.%d, expecting '%s' vs '%s'", pi, mi, expectedVal, string(msg.Value))
			}
		}
	}
}

func TestPartitionTruncate(t *testing.T) {
	topic := NewTopic("foo", 1)
	part := topic.partitions[0]
	for i := 0; i < 10; i++ {
		part.Produce(&kafka.Message{Value: []byte{byte(i)}})
	}

	part.Truncate(4)
	low, high := part.Watermarks()
	if low != 4 || high != 10 {
		t.Fatalf("Bad watermarks after truncate: %d, %d", low, high)
	}
	if part.GetMessage(3) != nil {
		t.Fatalf("Truncated message still readable")
	}
	msg := part.GetMessage(4)
	if msg == nil || msg.Value[0] != 4 {
		t.Fatalf("Bad message at log start: %+v", msg)
	}

	part.Produce(&kafka.Message{Value: []byte{10}})
	if _, high = part.Watermarks(); high != 11 {
		t.Fatalf("Bad high watermark after produce: %d", high)
	}
}

func seededCluster(t *testing.T, now time.Time) (*OfflineStreamProvider, *Cluster) {
	ostrmprov, err := NewOfflinePlatform(map[string]string{"local": "localhost:9092"}, now)
	if err != nil {
		t.Fatalf("NewOfflinePlatform error: %s", err.Error())
	}
	clus, err := ostrmprov.GetCluster("localhost:9092")
	if err != nil {
		t.Fatalf("GetCluster error: %s", err.Error())
	}
	return ostrmprov, clus
}

func TestOffsetsForTimes(t *testing.T) {
	now := time.Now()
	ostrmprov, clus := seededCluster(t, now)

	part, _ := clus.GetPartition("orders", 1)
	part.Truncate(2)

	cons, err := ostrmprov.NewConsumer("localhost:9092", "test", nil)
	if err != nil {
		t.Fatalf("NewConsumer error: %s", err.Error())
	}
	defer cons.Close()

	orders := "orders"
	missing := "missing"
	res, err := cons.OffsetsForTimes(
		[]kafka.TopicPartition{
			{Topic: &orders, Partition: 1, Offset: kafka.OffsetBeginning},
			{Topic: &orders, Partition: 1, Offset: kafka.OffsetEnd},
			{Topic: &orders, Partition: 0, Offset: kafka.Offset(now.Add(-5 * time.Minute).UnixMilli())},
			{Topic: &orders, Partition: 0, Offset: kafka.Offset(now.Add(time.Hour).UnixMilli())},
			{Topic: &missing, Partition: 0, Offset: kafka.OffsetEnd},
		},
		1000,
	)
	if err != nil {
		t.Fatalf("OffsetsForTimes error: %s", err.Error())
	}

	expected := []kafka.Offset{2, 10, 4, -1}
	for i, exp := range expected {
		if res[i].Offset != exp {
			t.Fatalf("Bad offset for request %d, expecting %d vs %d", i, exp, res[i].Offset)
		}
	}
	if res[4].Error == nil {
		t.Fatalf("Expected error for unknown topic")
	}

	clus.SetUnreachable(true)
	_, err = cons.OffsetsForTimes([]kafka.TopicPartition{{Topic: &orders, Partition: 0, Offset: kafka.OffsetEnd}}, 1000)
	if err == nil {
		t.Fatalf("Expected error from unreachable cluster")
	}
}

func TestConsumerReadMessage(t *testing.T) {
	ostrmprov, clus := seededCluster(t, time.Now())

	cons, err := ostrmprov.NewConsumer("localhost:9092", "test", nil)
	if err != nil {
		t.Fatalf("NewConsumer error: %s", err.Error())
	}
	defer cons.Close()

	orders := "orders"
	err = cons.Assign([]kafka.TopicPartition{
		{Topic: &orders, Partition: 0, Offset: 8},
		{Topic: &orders, Partition: 2, Offset: kafka.OffsetEnd},
	})
	if err != nil {
		t.Fatalf("Assign error: %s", err.Error())
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		msg, err := cons.ReadMessage(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReadMessage error: %s", err.Error())
		}
		seen[fmt.Sprintf("%d.%d", msg.TopicPartition.Partition, msg.TopicPartition.Offset)] = true
	}
	if !seen["0.8"] || !seen["0.9"] {
		t.Fatalf("Unexpected messages read: %v", seen)
	}

	_, err = cons.ReadMessage(10 * time.Millisecond)
	if err == nil || err.(kafka.Error).Code() != kafka.ErrTimedOut {
		t.Fatalf("Expected timeout, got: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		clus.Produce("orders", 2, &kafka.Message{Value: []byte("late")})
	}()
	msg, err := cons.ReadMessage(time.Second)
	if err != nil {
		t.Fatalf("ReadMessage error waiting for produce: %s", err.Error())
	}
	if string(msg.Value) != "late" || msg.TopicPartition.Offset != 10 {
		t.Fatalf("Unexpected late message: %s at %d", string(msg.Value), msg.TopicPartition.Offset)
	}

	clus.FailReads(fmt.Errorf("boom"))
	if _, err = cons.ReadMessage(time.Second); err == nil {
		t.Fatalf("Expected injected read error")
	}
}

func TestCommitted(t *testing.T) {
	ostrmprov, clus := seededCluster(t, time.Now())

	cons, err := ostrmprov.NewConsumer("localhost:9092", "orders-processor", nil)
	if err != nil {
		t.Fatalf("NewConsumer error: %s", err.Error())
	}
	defer cons.Close()

	orders := "orders"
	res, err := cons.Committed(
		[]kafka.TopicPartition{
			{Topic: &orders, Partition: 0},
			{Topic: &orders, Partition: 1},
		},
		1000,
	)
	if err != nil {
		t.Fatalf("Committed error: %s", err.Error())
	}
	if res[0].Offset != 7 || res[1].Offset != 10 {
		t.Fatalf("Bad committed offsets: %d, %d", res[0].Offset, res[1].Offset)
	}

	_, err = cons.CommitOffsets([]kafka.TopicPartition{{Topic: &orders, Partition: 1, Offset: 3}})
	if err != nil {
		t.Fatalf("CommitOffsets error: %s", err.Error())
	}
	if offset, _ := clus.CommittedOffsets("orders-processor").Get("orders", 1); offset != 3 {
		t.Fatalf("Commit not stored, got %d", offset)
	}

	_, err = cons.CommitOffsets([]kafka.TopicPartition{{Topic: &orders, Partition: 5, Offset: 3}})
	if err == nil {
		t.Fatalf("Expected error committing unknown partition")
	}
}

func TestGroupAdmin(t *testing.T) {
	ostrmprov, _ := seededCluster(t, time.Now())

	gadm, err := ostrmprov.NewGroupAdmin("localhost:9092")
	if err != nil {
		t.Fatalf("NewGroupAdmin error: %s", err.Error())
	}
	defer gadm.Close()

	groups, err := gadm.ListConsumerGroups()
	if err != nil {
		t.Fatalf("ListConsumerGroups error: %s", err.Error())
	}
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %v", groups)
	}

	descs, err := gadm.DescribeConsumerGroups([]string{"orders-processor", "payments-audit"})
	if err != nil {
		t.Fatalf("DescribeConsumerGroups error: %s", err.Error())
	}
	if descs[0].State != "Stable" || descs[1].State != "Empty" {
		t.Fatalf("Bad group states: %s, %s", descs[0].State, descs[1].State)
	}
	member, ok := descs[0].Members["orders-processor-1-5d9e"]
	if !ok {
		t.Fatalf("Missing group member")
	}
	assignment, err := member.GetMemberAssignment()
	if err != nil {
		t.Fatalf("GetMemberAssignment error: %s", err.Error())
	}
	if len(assignment.Topics["orders"]) != 3 {
		t.Fatalf("Bad decoded assignment: %v", assignment.Topics)
	}

	if err = gadm.DeleteConsumerGroup("orders-processor"); err != sarama.ErrNonEmptyGroup {
		t.Fatalf("Expected ErrNonEmptyGroup, got %v", err)
	}
	if err = gadm.DeleteConsumerGroup("payments-audit"); err != nil {
		t.Fatalf("DeleteConsumerGroup error: %s", err.Error())
	}
	if err = gadm.DeleteConsumerGroup("payments-audit"); err != sarama.ErrGroupIDNotFound {
		t.Fatalf("Expected ErrGroupIDNotFound, got %v", err)
	}
}

func TestAdminConfigs(t *testing.T) {
	ostrmprov, _ := seededCluster(t, time.Now())
	ctx := context.Background()

	adm, err := ostrmprov.NewAdminClient("localhost:9092")
	if err != nil {
		t.Fatalf("NewAdminClient error: %s", err.Error())
	}
	defer adm.Close()

	res, err := adm.CreateTopics(ctx, []kafka.TopicSpecification{
		{Topic: "audit", NumPartitions: 2, ReplicationFactor: 1, Config: map[string]string{"retention.ms": "1000"}},
		{Topic: "orders", NumPartitions: 1, ReplicationFactor: 1},
		{Topic: "wide", NumPartitions: 1, ReplicationFactor: 3},
	})
	if err != nil {
		t.Fatalf("CreateTopics error: %s", err.Error())
	}
	if res[0].Error.Code() != kafka.ErrNoError {
		t.Fatalf("Unexpected CreateTopics error: %s", res[0].Error.Error())
	}
	if res[1].Error.Code() != kafka.ErrTopicAlreadyExists {
		t.Fatalf("Expected ErrTopicAlreadyExists, got %s", res[1].Error.Code())
	}
	if res[2].Error.Code() != kafka.ErrInvalidReplicationFactor {
		t.Fatalf("Expected ErrInvalidReplicationFactor, got %s", res[2].Error.Code())
	}

	rsrc := []kafka.ConfigResource{{Type: kafka.ResourceTopic, Name: "audit"}}
	desc, err := adm.DescribeConfigs(ctx, rsrc)
	if err != nil {
		t.Fatalf("DescribeConfigs error: %s", err.Error())
	}
	retention := desc[0].Config["retention.ms"]
	if retention.Value != "1000" || retention.Source != kafka.ConfigSourceDynamicTopic {
		t.Fatalf("Bad retention.ms entry: %+v", retention)
	}

	_, err = adm.AlterConfigs(ctx, []kafka.ConfigResource{{
		Type: kafka.ResourceTopic,
		Name: "audit",
		Config: []kafka.ConfigEntry{
			{Name: "cleanup.policy", Value: "compact", Operation: kafka.AlterOperationSet},
		},
	}})
	if err != nil {
		t.Fatalf("AlterConfigs error: %s", err.Error())
	}
	desc, _ = adm.DescribeConfigs(ctx, rsrc)
	if desc[0].Config["cleanup.policy"].Value != "compact" {
		t.Fatalf("cleanup.policy not altered")
	}
	if desc[0].Config["retention.ms"].Source != kafka.ConfigSourceDefault {
		t.Fatalf("Omitted override not reverted to default")
	}

	delRes, err := adm.DeleteTopics(ctx, []string{"audit", "nope"})
	if err != nil {
		t.Fatalf("DeleteTopics error: %s", err.Error())
	}
	if delRes[0].Error.Code() != kafka.ErrNoError || delRes[1].Error.Code() != kafka.ErrUnknownTopicOrPart {
		t.Fatalf("Bad DeleteTopics results: %+v", delRes)
	}
}
