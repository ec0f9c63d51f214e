// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"sort"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

type ClusterMetadata struct {
	OriginatingBrokerId int32    `json:"originating_broker_id"`
	Brokers             []Broker `json:"brokers"`
	Topics              []Topic  `json:"topics"`
}

type Broker struct {
	Id   int32  `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Topic struct {
	Name       string      `json:"name"`
	Partitions []Partition `json:"partitions"`
}

type Partition struct {
	Id       int32   `json:"id"`
	Leader   int32   `json:"leader"`
	Isr      []int32 `json:"isr"`
	Replicas []int32 `json:"replicas"`
}

// NewClusterMetadata snapshots librdkafka metadata. Topics and partitions
// are sorted so two snapshots of the same cluster compare equal.
func NewClusterMetadata(md *kafka.Metadata) *ClusterMetadata {
	cmd := &ClusterMetadata{
		OriginatingBrokerId: md.OriginatingBroker.ID,
		Brokers:             make([]Broker, 0, len(md.Brokers)),
		Topics:              make([]Topic, 0, len(md.Topics)),
	}
	for _, b := range md.Brokers {
		cmd.Brokers = append(cmd.Brokers, Broker{Id: b.ID, Host: b.Host, Port: b.Port})
	}
	sort.Slice(cmd.Brokers, func(i, j int) bool { return cmd.Brokers[i].Id < cmd.Brokers[j].Id })

	for name, tmd := range md.Topics {
		cmd.Topics = append(cmd.Topics, NewTopic(name, tmd))
	}
	sort.Slice(cmd.Topics, func(i, j int) bool { return cmd.Topics[i].Name < cmd.Topics[j].Name })
	return cmd
}

func NewTopic(name string, tmd kafka.TopicMetadata) Topic {
	topic := Topic{
		Name:       name,
		Partitions: make([]Partition, 0, len(tmd.Partitions)),
	}
	for _, pmd := range tmd.Partitions {
		topic.Partitions = append(topic.Partitions, Partition{
			Id:       pmd.ID,
			Leader:   pmd.Leader,
			Isr:      append([]int32(nil), pmd.Isrs...),
			Replicas: append([]int32(nil), pmd.Replicas...),
		})
	}
	sort.Slice(topic.Partitions, func(i, j int) bool { return topic.Partitions[i].Id < topic.Partitions[j].Id })
	return topic
}

func (cmd *ClusterMetadata) Topic(name string) (*Topic, bool) {
	for i := range cmd.Topics {
		if cmd.Topics[i].Name == name {
			return &cmd.Topics[i], true
		}
	}
	return nil, false
}

// PartitionIds enumerates 0..max(id) as observed in metadata, so gaps in a
// partially reported topic are still queried.
func (topic *Topic) PartitionIds() []int32 {
	if len(topic.Partitions) == 0 {
		return nil
	}
	maxId := int32(-1)
	for _, p := range topic.Partitions {
		if p.Id > maxId {
			maxId = p.Id
		}
	}
	ids := make([]int32, 0, maxId+1)
	for i := int32(0); i <= maxId; i++ {
		ids = append(ids, i)
	}
	return ids
}
