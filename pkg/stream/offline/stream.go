// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

//------------------------------------------------------------------------------

type Partition struct {
	topic    *Topic
	index    int32
	low      int64
	messages []*kafka.Message
	mtx      sync.Mutex
}

func NewPartition(topic *Topic, partition int32) *Partition {
	part := &Partition{
		topic:    topic,
		index:    partition,
		messages: make([]*kafka.Message, 0, 1000),
	}
	return part
}

// Produce appends msg, assigning its offset and, when unset, a log append
// timestamp.
func (part *Partition) Produce(msg *kafka.Message) {
	part.mtx.Lock()
	defer part.mtx.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
		msg.TimestampType = kafka.TimestampLogAppendTime
	} else {
		msg.TimestampType = kafka.TimestampCreateTime
	}
	topicName := part.topic.name
	msg.TopicPartition = kafka.TopicPartition{
		Topic:     &topicName,
		Partition: part.index,
		Offset:    kafka.Offset(part.low + int64(len(part.messages))),
	}

	part.messages = append(part.messages, msg)
}

func (part *Partition) Topic() *Topic {
	return part.topic
}

func (part *Partition) Index() int32 {
	return part.index
}

func (part *Partition) Len() int64 {
	part.mtx.Lock()
	defer part.mtx.Unlock()

	return int64(len(part.messages))
}

// Watermarks returns the log start offset and the next offset to be written.
func (part *Partition) Watermarks() (int64, int64) {
	part.mtx.Lock()
	defer part.mtx.Unlock()

	return part.low, part.low + int64(len(part.messages))
}

// Truncate drops every message below offset, as retention would.
func (part *Partition) Truncate(offset int64) {
	part.mtx.Lock()
	defer part.mtx.Unlock()

	high := part.low + int64(len(part.messages))
	if offset <= part.low {
		return
	}
	if offset > high {
		offset = high
	}
	part.messages = part.messages[offset-part.low:]
	part.low = offset
}

func (part *Partition) GetMessage(offset kafka.Offset) *kafka.Message {
	part.mtx.Lock()
	defer part.mtx.Unlock()

	idx := int64(offset) - part.low
	if idx < 0 || idx >= int64(len(part.messages)) {
		return nil
	}
	return part.messages[idx]
}

// OffsetForTime is the earliest offset whose timestamp is >= ms, or -1
// when every message is older, which is what the broker reports.
func (part *Partition) OffsetForTime(ms int64) int64 {
	part.mtx.Lock()
	defer part.mtx.Unlock()

	for i, msg := range part.messages {
		if msg.Timestamp.UnixMilli() >= ms {
			return part.low + int64(i)
		}
	}
	return -1
}

func (part *Partition) GetMetadata() kafka.PartitionMetadata {
	return kafka.PartitionMetadata{
		ID:       part.index,
		Leader:   0,
		Replicas: []int32{0},
		Isrs:     []int32{0},
	}
}

//------------------------------------------------------------------------------

type Topic struct {
	name       string
	partitions []*Partition
	config     map[string]string
	mtx        sync.Mutex
}

func NewTopic(name string, partitionCount int) *Topic {
	topic := &Topic{
		name:   name,
		config: make(map[string]string),
	}
	topic.partitions = make([]*Partition, partitionCount)
	for i := range topic.partitions {
		topic.partitions[i] = NewPartition(topic, int32(i))
	}
	return topic
}

func (topic *Topic) Name() string {
	return topic.name
}

func (topic *Topic) PartitionCount() int32 {
	topic.mtx.Lock()
	defer topic.mtx.Unlock()

	return int32(len(topic.partitions))
}

func (topic *Topic) Partition(partition int32) (*Partition, bool) {
	topic.mtx.Lock()
	defer topic.mtx.Unlock()

	if partition < 0 || partition >= int32(len(topic.partitions)) {
		return nil, false
	}
	return topic.partitions[partition], true
}

func (topic *Topic) GetMetadata() kafka.TopicMetadata {
	topic.mtx.Lock()
	defer topic.mtx.Unlock()

	tmd := kafka.TopicMetadata{
		Topic: topic.name,
	}
	tmd.Partitions = make([]kafka.PartitionMetadata, len(topic.partitions))
	for i, part := range topic.partitions {
		tmd.Partitions[i] = part.GetMetadata()
	}
	return tmd
}

//------------------------------------------------------------------------------

type groupMember struct {
	clientId   string
	clientHost string
	assignment map[string][]int32
}

type group struct {
	committed kscope.PartitionOffsetMap
	members   map[string]*groupMember
}

type Cluster struct {
	name        string
	brokers     string
	brokersMd   []kafka.BrokerMetadata
	topics      map[string]*Topic
	groups      map[string]*group
	unreachable bool
	readErr     error
	producedCh  chan struct{}
	mtx         sync.Mutex
}

func NewCluster(name string, brokers string) (*Cluster, error) {
	clus := &Cluster{
		name:       name,
		brokers:    brokers,
		topics:     make(map[string]*Topic),
		groups:     make(map[string]*group),
		producedCh: make(chan struct{}),
	}

	brokerList := strings.Split(brokers, ",")
	clus.brokersMd = make([]kafka.BrokerMetadata, len(brokerList))
	for i, hostport := range brokerList {
		var (
			host string
			port int
			err  error
		)
		colpos := strings.Index(hostport, ":")
		if colpos != -1 {
			host = hostport[:colpos]
			port, err = strconv.Atoi(hostport[colpos+1:])
			if err != nil {
				return nil, err
			}
		} else {
			host = hostport
			port = 9092
		}

		clus.brokersMd[i] = kafka.BrokerMetadata{
			ID:   int32(i),
			Host: host,
			Port: port,
		}
	}

	return clus, nil
}

func (clus *Cluster) Name() string {
	return clus.name
}

func (clus *Cluster) Brokers() string {
	return clus.brokers
}

// SetUnreachable makes every broker round trip fail with a transport error.
func (clus *Cluster) SetUnreachable(unreachable bool) {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()
	clus.unreachable = unreachable
}

// FailReads makes ReadMessage on every consumer return err until reset
// with nil.
func (clus *Cluster) FailReads(err error) {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()
	clus.readErr = err
	clus.notifyLocked()
}

func (clus *Cluster) checkReachable() error {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()
	if clus.unreachable {
		return kafka.NewError(kafka.ErrTransport, fmt.Sprintf("%s: Connection refused", clus.brokers), false)
	}
	return nil
}

func (clus *Cluster) notifyLocked() {
	close(clus.producedCh)
	clus.producedCh = make(chan struct{})
}

func (clus *Cluster) producedSignal() <-chan struct{} {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()
	return clus.producedCh
}

func (clus *Cluster) CreateTopic(name string, partitionCount int) (*Topic, error) {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	if _, ok := clus.topics[name]; ok {
		return nil, kafka.NewError(kafka.ErrTopicAlreadyExists, fmt.Sprintf("Topic '%s' already exists.", name), false)
	}
	if partitionCount < 0 {
		return nil, kafka.NewError(kafka.ErrInvalidPartitions, fmt.Sprintf("Invalid partition count %d", partitionCount), false)
	}
	topic := NewTopic(name, partitionCount)
	clus.topics[name] = topic
	return topic, nil
}

func (clus *Cluster) DeleteTopic(name string) error {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	if _, ok := clus.topics[name]; !ok {
		return kafka.NewError(kafka.ErrUnknownTopicOrPart, "Broker: Unknown topic or partition", false)
	}
	delete(clus.topics, name)
	return nil
}

func (clus *Cluster) GetTopic(topicName string) (*Topic, error) {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	topic, ok := clus.topics[topicName]
	if !ok {
		return nil, fmt.Errorf("Topic not found: %s", topicName)
	}
	return topic, nil
}

func (clus *Cluster) GetPartition(topicName string, partition int32) (*Partition, error) {
	topic, err := clus.GetTopic(topicName)
	if err != nil {
		return nil, err
	}
	part, ok := topic.Partition(partition)
	if !ok {
		return nil, fmt.Errorf("Partition out of range: %s.%d", topicName, partition)
	}
	return part, nil
}

// Produce appends msg to topic/partition and wakes up readers.
func (clus *Cluster) Produce(topicName string, partition int32, msg *kafka.Message) (int64, error) {
	part, err := clus.GetPartition(topicName, partition)
	if err != nil {
		return 0, err
	}
	part.Produce(msg)

	clus.mtx.Lock()
	clus.notifyLocked()
	clus.mtx.Unlock()

	return int64(msg.TopicPartition.Offset), nil
}

func (clus *Cluster) metadata(topic *string, allTopics bool) (*kafka.Metadata, error) {
	if err := clus.checkReachable(); err != nil {
		return nil, err
	}

	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	md := &kafka.Metadata{
		Brokers: append([]kafka.BrokerMetadata(nil), clus.brokersMd...),
		Topics:  make(map[string]kafka.TopicMetadata),
	}
	if len(clus.brokersMd) > 0 {
		md.OriginatingBroker = clus.brokersMd[0]
	}

	if topic != nil && !allTopics {
		t, ok := clus.topics[*topic]
		if !ok {
			md.Topics[*topic] = kafka.TopicMetadata{
				Topic: *topic,
				Error: kafka.NewError(kafka.ErrUnknownTopicOrPart, "Broker: Unknown topic or partition", false),
			}
			return md, nil
		}
		md.Topics[*topic] = t.GetMetadata()
		return md, nil
	}

	for name, t := range clus.topics {
		md.Topics[name] = t.GetMetadata()
	}
	return md, nil
}

func (clus *Cluster) getGroupLocked(groupName string, create bool) *group {
	grp, ok := clus.groups[groupName]
	if !ok && create {
		grp = &group{
			committed: kscope.NewPartitionOffsetMap(),
			members:   make(map[string]*groupMember),
		}
		clus.groups[groupName] = grp
	}
	return grp
}

// AddGroupMember registers an active member so group listing reports the
// group as Stable with its assignment.
func (clus *Cluster) AddGroupMember(groupName string, memberId string, clientId string, clientHost string, assignment map[string][]int32) {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	grp := clus.getGroupLocked(groupName, true)
	grp.members[memberId] = &groupMember{
		clientId:   clientId,
		clientHost: clientHost,
		assignment: assignment,
	}
}

func (clus *Cluster) commit(groupName string, offsets []kafka.TopicPartition) []kafka.TopicPartition {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	grp := clus.getGroupLocked(groupName, true)
	res := make([]kafka.TopicPartition, len(offsets))
	for i, tp := range offsets {
		res[i] = tp
		if tp.Topic == nil {
			res[i].Error = kafka.NewError(kafka.ErrInvalidArg, "Local: Invalid argument or configuration", false)
			continue
		}
		t, ok := clus.topics[*tp.Topic]
		if !ok || tp.Partition < 0 || tp.Partition >= int32(len(t.partitions)) {
			res[i].Error = kafka.NewError(kafka.ErrUnknownTopicOrPart, "Broker: Unknown topic or partition", false)
			continue
		}
		grp.committed.Set(*tp.Topic, tp.Partition, int64(tp.Offset))
	}
	return res
}

func (clus *Cluster) committed(groupName string, partitions []kafka.TopicPartition) []kafka.TopicPartition {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	grp := clus.getGroupLocked(groupName, false)
	res := make([]kafka.TopicPartition, len(partitions))
	for i, tp := range partitions {
		res[i] = tp
		res[i].Offset = kafka.OffsetInvalid
		if grp == nil || tp.Topic == nil {
			continue
		}
		if offset, ok := grp.committed.Get(*tp.Topic, tp.Partition); ok {
			res[i].Offset = kafka.Offset(offset)
		}
	}
	return res
}

// CommittedOffsets returns a copy of the offsets stored for groupName.
func (clus *Cluster) CommittedOffsets(groupName string) kscope.PartitionOffsetMap {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	grp := clus.getGroupLocked(groupName, false)
	if grp == nil {
		return kscope.NewPartitionOffsetMap()
	}
	return grp.committed.Clone()
}

func (clus *Cluster) groupNames() []string {
	clus.mtx.Lock()
	defer clus.mtx.Unlock()

	names := make([]string, 0, len(clus.groups))
	for name, grp := range clus.groups {
		// tool consumers never commit, so they never show up here
		if grp.committed.Len() == 0 && len(grp.members) == 0 {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
