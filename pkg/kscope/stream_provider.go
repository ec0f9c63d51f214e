// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

type StreamProvider interface {
	Type() string
	NewConsumer(brokers string, groupName string, logCh chan kafka.LogEvent) (Consumer, error)
	NewAdminClient(brokers string) (AdminClient, error)
	NewGroupAdmin(brokers string) (GroupAdmin, error)
}

// Consumer is the subset of *kafka.Consumer used for metadata, offset
// queries, commits and assigned (group-less) consumption.
type Consumer interface {
	Assign(partitions []kafka.TopicPartition) error
	Close() error
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	OffsetsForTimes(times []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
}

type AdminClient interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(
		ctx context.Context,
		topics []kafka.TopicSpecification,
		options ...kafka.CreateTopicsAdminOption,
	) ([]kafka.TopicResult, error)
	DeleteTopics(
		ctx context.Context,
		topics []string,
		options ...kafka.DeleteTopicsAdminOption,
	) ([]kafka.TopicResult, error)
	DescribeConfigs(
		ctx context.Context,
		resources []kafka.ConfigResource,
		options ...kafka.DescribeConfigsAdminOption,
	) ([]kafka.ConfigResourceResult, error)
	AlterConfigs(
		ctx context.Context,
		resources []kafka.ConfigResource,
		options ...kafka.AlterConfigsAdminOption,
	) ([]kafka.ConfigResourceResult, error)
	Close()
}

// GroupAdmin is the subset of sarama.ClusterAdmin used for consumer group
// listing and removal, which the librdkafka admin API does not expose.
type GroupAdmin interface {
	ListConsumerGroups() (map[string]string, error)
	DescribeConsumerGroups(groups []string) ([]*sarama.GroupDescription, error)
	DeleteConsumerGroup(group string) error
	Close() error
}
