// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offline

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

type PartitionOffset struct {
	part   *Partition
	offset int64
}

type OfflineConsumer struct {
	clus      *Cluster
	groupName string
	readCount int
	partOffs  []*PartitionOffset
	closed    bool
	mtx       sync.Mutex
}

func NewOfflineConsumer(clus *Cluster, groupName string) *OfflineConsumer {
	ocons := &OfflineConsumer{
		clus:      clus,
		groupName: groupName,
	}
	return ocons
}

func (ocons *OfflineConsumer) startOffset(part *Partition, offset kafka.Offset) int64 {
	low, high := part.Watermarks()
	switch offset {
	case kafka.OffsetBeginning:
		return low
	case kafka.OffsetEnd:
		return high
	case kafka.OffsetStored, kafka.OffsetInvalid:
		committed := ocons.clus.committed(ocons.groupName, []kafka.TopicPartition{{Topic: &part.topic.name, Partition: part.index}})
		if committed[0].Offset >= 0 {
			return int64(committed[0].Offset)
		}
		return high
	}
	if int64(offset) < low {
		return low
	}
	return int64(offset)
}

func (ocons *OfflineConsumer) Assign(partitions []kafka.TopicPartition) error {
	ocons.mtx.Lock()
	defer ocons.mtx.Unlock()

	partOffs := make([]*PartitionOffset, len(partitions))
	for i, tp := range partitions {
		if tp.Topic == nil {
			return kafka.NewError(kafka.ErrInvalidArg, "Local: Invalid argument or configuration", false)
		}
		part, err := ocons.clus.GetPartition(*tp.Topic, tp.Partition)
		if err != nil {
			return kafka.NewError(kafka.ErrUnknownTopicOrPart, err.Error(), false)
		}
		partOffs[i] = &PartitionOffset{
			part:   part,
			offset: ocons.startOffset(part, tp.Offset),
		}
	}
	ocons.partOffs = partOffs
	return nil
}

func (ocons *OfflineConsumer) Close() error {
	ocons.mtx.Lock()
	defer ocons.mtx.Unlock()

	if ocons.closed {
		return kafka.NewError(kafka.ErrState, "Local: Erroneous state", false)
	}
	ocons.closed = true
	return nil
}

func (ocons *OfflineConsumer) CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	if err := ocons.clus.checkReachable(); err != nil {
		return nil, err
	}
	res := ocons.clus.commit(ocons.groupName, offsets)
	for _, tp := range res {
		if tp.Error != nil {
			return res, tp.Error
		}
	}
	return res, nil
}

func (ocons *OfflineConsumer) Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error) {
	if err := ocons.clus.checkReachable(); err != nil {
		return nil, err
	}
	return ocons.clus.committed(ocons.groupName, partitions), nil
}

func (ocons *OfflineConsumer) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return ocons.clus.metadata(topic, allTopics)
}

// OffsetsForTimes follows broker ListOffsets semantics: -2 yields the log
// start, -1 the high watermark, and a timestamp the first offset at or
// after it.
func (ocons *OfflineConsumer) OffsetsForTimes(times []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error) {
	if err := ocons.clus.checkReachable(); err != nil {
		return nil, err
	}

	res := make([]kafka.TopicPartition, len(times))
	for i, tp := range times {
		res[i] = tp
		if tp.Topic == nil {
			res[i].Offset = kafka.OffsetInvalid
			res[i].Error = kafka.NewError(kafka.ErrInvalidArg, "Local: Invalid argument or configuration", false)
			continue
		}
		part, err := ocons.clus.GetPartition(*tp.Topic, tp.Partition)
		if err != nil {
			res[i].Offset = kafka.OffsetEnd
			res[i].Error = kafka.NewError(kafka.ErrUnknownTopicOrPart, "Broker: Unknown topic or partition", false)
			continue
		}
		low, high := part.Watermarks()
		switch tp.Offset {
		case kafka.OffsetBeginning:
			res[i].Offset = kafka.Offset(low)
		case kafka.OffsetEnd:
			res[i].Offset = kafka.Offset(high)
		default:
			res[i].Offset = kafka.Offset(part.OffsetForTime(int64(tp.Offset)))
		}
	}
	return res, nil
}

func (ocons *OfflineConsumer) nextMessage() (*kafka.Message, error) {
	ocons.mtx.Lock()
	defer ocons.mtx.Unlock()

	if ocons.closed {
		return nil, kafka.NewError(kafka.ErrState, "Local: Erroneous state", false)
	}
	if ocons.partOffs == nil {
		return nil, fmt.Errorf("No assignment")
	}

	// cycle through assignments
	for range ocons.partOffs {
		ocons.readCount++
		partOff := ocons.partOffs[ocons.readCount%len(ocons.partOffs)]
		kMsg := partOff.part.GetMessage(kafka.Offset(partOff.offset))
		if kMsg != nil {
			partOff.offset++
			return kMsg, nil
		}
		low, _ := partOff.part.Watermarks()
		if partOff.offset < low {
			partOff.offset = low
		}
	}
	return nil, nil
}

func (ocons *OfflineConsumer) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		// grab the signal before looking so a concurrent produce is not missed
		producedCh := ocons.clus.producedSignal()

		ocons.clus.mtx.Lock()
		readErr := ocons.clus.readErr
		ocons.clus.mtx.Unlock()
		if readErr != nil {
			return nil, readErr
		}

		kMsg, err := ocons.nextMessage()
		if err != nil {
			return nil, err
		}
		if kMsg != nil {
			return kMsg, nil
		}

		select {
		case <-producedCh:
		case <-deadline:
			// return same error type as kafka.Consumer.ReadMessage on timeout
			return nil, kafka.NewError(kafka.ErrTimedOut, "Local: Timed out", false)
		}
	}
}
