// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offline

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Shopify/sarama"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

// TopicConfigDefaults are the broker defaults reported for every topic
// that has no override.
var TopicConfigDefaults = map[string]string{
	"cleanup.policy":      "delete",
	"compression.type":    "producer",
	"max.message.bytes":   "1048588",
	"min.insync.replicas": "1",
	"retention.bytes":     "-1",
	"retention.ms":        "604800000",
	"segment.bytes":       "1073741824",
}

type AdminClient struct {
	clus *Cluster
}

func (oadm *AdminClient) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return oadm.clus.metadata(topic, allTopics)
}

func (oadm *AdminClient) CreateTopics(
	ctx context.Context,
	topics []kafka.TopicSpecification,
	options ...kafka.CreateTopicsAdminOption,
) ([]kafka.TopicResult, error) {
	if err := oadm.clus.checkReachable(); err != nil {
		return nil, err
	}

	res := make([]kafka.TopicResult, len(topics))
	for i, spec := range topics {
		res[i].Topic = spec.Topic
		if spec.NumPartitions < 1 {
			res[i].Error = kafka.NewError(kafka.ErrInvalidPartitions, "Broker: Invalid number of partitions", false)
			continue
		}
		if spec.ReplicationFactor > len(oadm.clus.brokersMd) {
			res[i].Error = kafka.NewError(
				kafka.ErrInvalidReplicationFactor,
				fmt.Sprintf("Replication factor: %d larger than available brokers: %d.", spec.ReplicationFactor, len(oadm.clus.brokersMd)),
				false,
			)
			continue
		}
		for name := range spec.Config {
			if _, ok := TopicConfigDefaults[name]; !ok {
				res[i].Error = kafka.NewError(kafka.ErrInvalidConfig, fmt.Sprintf("Unknown topic config name: %s", name), false)
				break
			}
		}
		if res[i].Error.Code() != kafka.ErrNoError {
			continue
		}

		topic, err := oadm.clus.CreateTopic(spec.Topic, spec.NumPartitions)
		if err != nil {
			res[i].Error = err.(kafka.Error)
			continue
		}
		topic.mtx.Lock()
		for name, value := range spec.Config {
			topic.config[name] = value
		}
		topic.mtx.Unlock()
	}
	return res, nil
}

func (oadm *AdminClient) DeleteTopics(
	ctx context.Context,
	topics []string,
	options ...kafka.DeleteTopicsAdminOption,
) ([]kafka.TopicResult, error) {
	if err := oadm.clus.checkReachable(); err != nil {
		return nil, err
	}

	res := make([]kafka.TopicResult, len(topics))
	for i, name := range topics {
		res[i].Topic = name
		if err := oadm.clus.DeleteTopic(name); err != nil {
			res[i].Error = err.(kafka.Error)
		}
	}
	return res, nil
}

func (oadm *AdminClient) describeTopic(name string) kafka.ConfigResourceResult {
	res := kafka.ConfigResourceResult{
		Type: kafka.ResourceTopic,
		Name: name,
	}
	topic, err := oadm.clus.GetTopic(name)
	if err != nil {
		res.Error = kafka.NewError(kafka.ErrUnknownTopicOrPart, "Broker: Unknown topic or partition", false)
		return res
	}

	topic.mtx.Lock()
	defer topic.mtx.Unlock()

	res.Config = make(map[string]kafka.ConfigEntryResult, len(TopicConfigDefaults))
	for cfgName, dflt := range TopicConfigDefaults {
		entry := kafka.ConfigEntryResult{
			Name:   cfgName,
			Value:  dflt,
			Source: kafka.ConfigSourceDefault,
		}
		if val, ok := topic.config[cfgName]; ok {
			entry.Value = val
			entry.Source = kafka.ConfigSourceDynamicTopic
		}
		res.Config[cfgName] = entry
	}
	return res
}

func (oadm *AdminClient) DescribeConfigs(
	ctx context.Context,
	resources []kafka.ConfigResource,
	options ...kafka.DescribeConfigsAdminOption,
) ([]kafka.ConfigResourceResult, error) {
	if err := oadm.clus.checkReachable(); err != nil {
		return nil, err
	}

	res := make([]kafka.ConfigResourceResult, len(resources))
	for i, rsrc := range resources {
		if rsrc.Type != kafka.ResourceTopic {
			res[i] = kafka.ConfigResourceResult{
				Type:  rsrc.Type,
				Name:  rsrc.Name,
				Error: kafka.NewError(kafka.ErrUnsupportedFeature, "Local: Required feature not supported by broker", false),
			}
			continue
		}
		res[i] = oadm.describeTopic(rsrc.Name)
	}
	return res, nil
}

// AlterConfigs replaces every topic override with the supplied entries,
// reverting anything omitted to its default.
func (oadm *AdminClient) AlterConfigs(
	ctx context.Context,
	resources []kafka.ConfigResource,
	options ...kafka.AlterConfigsAdminOption,
) ([]kafka.ConfigResourceResult, error) {
	if err := oadm.clus.checkReachable(); err != nil {
		return nil, err
	}

	res := make([]kafka.ConfigResourceResult, len(resources))
	for i, rsrc := range resources {
		res[i] = kafka.ConfigResourceResult{
			Type: rsrc.Type,
			Name: rsrc.Name,
		}
		topic, err := oadm.clus.GetTopic(rsrc.Name)
		if err != nil {
			res[i].Error = kafka.NewError(kafka.ErrUnknownTopicOrPart, "Broker: Unknown topic or partition", false)
			continue
		}

		overrides := make(map[string]string, len(rsrc.Config))
		for _, entry := range rsrc.Config {
			if _, ok := TopicConfigDefaults[entry.Name]; !ok {
				res[i].Error = kafka.NewError(kafka.ErrInvalidConfig, fmt.Sprintf("Unknown topic config name: %s", entry.Name), false)
				break
			}
			if entry.Operation == kafka.AlterOperationSet {
				overrides[entry.Name] = entry.Value
			}
		}
		if res[i].Error.Code() != kafka.ErrNoError {
			continue
		}

		topic.mtx.Lock()
		topic.config = overrides
		topic.mtx.Unlock()
	}
	return res, nil
}

func (*AdminClient) Close() {
	// no-op
}

//------------------------------------------------------------------------------

type GroupAdmin struct {
	clus *Cluster
}

func (ogadm *GroupAdmin) ListConsumerGroups() (map[string]string, error) {
	if err := ogadm.clus.checkReachable(); err != nil {
		return nil, err
	}

	groups := make(map[string]string)
	for _, name := range ogadm.clus.groupNames() {
		groups[name] = "consumer"
	}
	return groups, nil
}

// encodeAssignment writes a version 0 ConsumerProtocolAssignment.
func encodeAssignment(assignment map[string][]int32) []byte {
	topics := make([]string, 0, len(assignment))
	for topic := range assignment {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, int16(0))
	_ = binary.Write(buf, binary.BigEndian, int32(len(topics)))
	for _, topic := range topics {
		_ = binary.Write(buf, binary.BigEndian, int16(len(topic)))
		buf.WriteString(topic)
		_ = binary.Write(buf, binary.BigEndian, int32(len(assignment[topic])))
		for _, partition := range assignment[topic] {
			_ = binary.Write(buf, binary.BigEndian, partition)
		}
	}
	// null user data
	_ = binary.Write(buf, binary.BigEndian, int32(-1))
	return buf.Bytes()
}

func (ogadm *GroupAdmin) DescribeConsumerGroups(groups []string) ([]*sarama.GroupDescription, error) {
	if err := ogadm.clus.checkReachable(); err != nil {
		return nil, err
	}

	ogadm.clus.mtx.Lock()
	defer ogadm.clus.mtx.Unlock()

	descs := make([]*sarama.GroupDescription, len(groups))
	for i, name := range groups {
		desc := &sarama.GroupDescription{
			GroupId: name,
			Members: make(map[string]*sarama.GroupMemberDescription),
		}
		descs[i] = desc

		grp, ok := ogadm.clus.groups[name]
		if !ok {
			desc.State = "Dead"
			continue
		}
		desc.ProtocolType = "consumer"
		if len(grp.members) == 0 {
			desc.State = "Empty"
			continue
		}
		desc.State = "Stable"
		desc.Protocol = "range"
		for memberId, member := range grp.members {
			desc.Members[memberId] = &sarama.GroupMemberDescription{
				ClientId:         member.clientId,
				ClientHost:       member.clientHost,
				MemberAssignment: encodeAssignment(member.assignment),
			}
		}
	}
	return descs, nil
}

func (ogadm *GroupAdmin) DeleteConsumerGroup(group string) error {
	if err := ogadm.clus.checkReachable(); err != nil {
		return err
	}

	ogadm.clus.mtx.Lock()
	defer ogadm.clus.mtx.Unlock()

	grp, ok := ogadm.clus.groups[group]
	if !ok {
		return sarama.ErrGroupIDNotFound
	}
	if len(grp.members) > 0 {
		return sarama.ErrNonEmptyGroup
	}
	delete(ogadm.clus.groups, group)
	return nil
}

func (*GroupAdmin) Close() error {
	return nil
}
