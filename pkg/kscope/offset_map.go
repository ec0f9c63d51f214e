// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscope

import (
	"encoding/json"
	"sort"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

// OffsetInvalid marks a partition whose position could not be resolved.
const OffsetInvalid int64 = int64(kafka.OffsetInvalid)

type PartitionKey struct {
	Topic     string
	Partition int32
}

// PartitionOffsetMap is topic => partition => absolute offset.
type PartitionOffsetMap map[string]map[int32]int64

func NewPartitionOffsetMap() PartitionOffsetMap {
	return make(PartitionOffsetMap)
}

// PartitionOffsetMapFromKafka converts a librdkafka result list. Entries
// carrying an error or a logical (negative) offset become OffsetInvalid.
func PartitionOffsetMapFromKafka(tps []kafka.TopicPartition) PartitionOffsetMap {
	m := NewPartitionOffsetMap()
	for _, tp := range tps {
		if tp.Topic == nil {
			continue
		}
		offset := int64(tp.Offset)
		if tp.Error != nil || offset < 0 {
			offset = OffsetInvalid
		}
		m.Set(*tp.Topic, tp.Partition, offset)
	}
	return m
}

func (m PartitionOffsetMap) Set(topic string, partition int32, offset int64) {
	parts, ok := m[topic]
	if !ok {
		parts = make(map[int32]int64)
		m[topic] = parts
	}
	parts[partition] = offset
}

func (m PartitionOffsetMap) Get(topic string, partition int32) (int64, bool) {
	parts, ok := m[topic]
	if !ok {
		return 0, false
	}
	offset, ok := parts[partition]
	return offset, ok
}

func (m PartitionOffsetMap) Len() int {
	n := 0
	for _, parts := range m {
		n += len(parts)
	}
	return n
}

func (m PartitionOffsetMap) Keys() []PartitionKey {
	keys := make([]PartitionKey, 0, m.Len())
	for topic, parts := range m {
		for partition := range parts {
			keys = append(keys, PartitionKey{Topic: topic, Partition: partition})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Topic == keys[j].Topic {
			return keys[i].Partition < keys[j].Partition
		}
		return keys[i].Topic < keys[j].Topic
	})
	return keys
}

func (m PartitionOffsetMap) Invalid() []PartitionKey {
	var invalid []PartitionKey
	for _, key := range m.Keys() {
		if m[key.Topic][key.Partition] < 0 {
			invalid = append(invalid, key)
		}
	}
	return invalid
}

func (m PartitionOffsetMap) Clone() PartitionOffsetMap {
	out := NewPartitionOffsetMap()
	for topic, parts := range m {
		for partition, offset := range parts {
			out.Set(topic, partition, offset)
		}
	}
	return out
}

// Splice returns a copy of m where only the listed keys are replaced with
// their values from other. Keys missing from other keep their value.
func (m PartitionOffsetMap) Splice(other PartitionOffsetMap, keys []PartitionKey) PartitionOffsetMap {
	out := m.Clone()
	for _, key := range keys {
		if offset, ok := other.Get(key.Topic, key.Partition); ok {
			out.Set(key.Topic, key.Partition, offset)
		}
	}
	return out
}

// TopicPartitions builds a sorted librdkafka request list, every entry
// carrying the same offset value.
func (m PartitionOffsetMap) TopicPartitions() []kafka.TopicPartition {
	keys := m.Keys()
	tps := make([]kafka.TopicPartition, 0, len(keys))
	for _, key := range keys {
		topic := key.Topic
		tps = append(tps, kafka.TopicPartition{
			Topic:     &topic,
			Partition: key.Partition,
			Offset:    kafka.Offset(m[key.Topic][key.Partition]),
		})
	}
	return tps
}

// Partitions returns the offsets for a single topic.
func (m PartitionOffsetMap) Partitions(topic string) map[int32]int64 {
	out := make(map[int32]int64)
	for partition, offset := range m[topic] {
		out[partition] = offset
	}
	return out
}

// MarshalJSON renders {"topic": [[partition, offset], ...]} sorted by
// partition, the shape callers of the stream API correlate against.
func (m PartitionOffsetMap) MarshalJSON() ([]byte, error) {
	out := make(map[string][][2]int64, len(m))
	for _, key := range m.Keys() {
		out[key.Topic] = append(out[key.Topic], [2]int64{int64(key.Partition), m[key.Topic][key.Partition]})
	}
	return json.Marshal(out)
}

func (m *PartitionOffsetMap) UnmarshalJSON(b []byte) error {
	var raw map[string][][2]int64
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := NewPartitionOffsetMap()
	for topic, pairs := range raw {
		for _, pair := range pairs {
			out.Set(topic, int32(pair[0]), pair[1])
		}
	}
	*m = out
	return nil
}
