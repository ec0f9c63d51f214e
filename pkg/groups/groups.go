// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package groups

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/metadata"
	"github.com/lachlanorr/kscope/pkg/offsets"
	"github.com/lachlanorr/kscope/pkg/telem"
)

type CreateGroupOptions struct {
	// FailIfExists refuses to overwrite offsets already stored for any of
	// the requested topics.
	FailIfExists bool
}

type Service struct {
	strmprov kscope.StreamProvider
	mdp      *metadata.Provider
	rslv     *offsets.Resolver
}

func NewService(strmprov kscope.StreamProvider, mdp *metadata.Provider, rslv *offsets.Resolver) *Service {
	return &Service{
		strmprov: strmprov,
		mdp:      mdp,
		rslv:     rslv,
	}
}

func (svc *Service) storedOffsets(ctx context.Context, cons kscope.Consumer, keys []kscope.PartitionKey) (kscope.PartitionOffsetMap, error) {
	req := make([]kafka.TopicPartition, len(keys))
	for i, key := range keys {
		topic := key.Topic
		req[i] = kafka.TopicPartition{
			Topic:     &topic,
			Partition: key.Partition,
			Offset:    kafka.OffsetStored,
		}
	}
	tps, err := cons.Committed(req, kscope.ContextTimeoutMs(ctx, kscope.MetadataTimeout))
	if err != nil {
		return nil, err
	}

	stored := kscope.NewPartitionOffsetMap()
	for _, tp := range tps {
		if tp.Topic == nil || tp.Error != nil || tp.Offset < 0 {
			continue
		}
		stored.Set(*tp.Topic, tp.Partition, int64(tp.Offset))
	}
	return stored, nil
}

// CreateGroupOffsets commits initial, resolved per partition of topics
// with End as the timestamp fallback, as groupId's stored offsets. Nothing
// is committed if resolution fails.
func (svc *Service) CreateGroupOffsets(
	ctx context.Context,
	groupId string,
	topics []string,
	initial kscope.OffsetRequest,
	opts CreateGroupOptions,
) error {
	ctx, span := telem.StartFunc(
		ctx,
		attribute.String("kscope.group", groupId),
		attribute.StringSlice("kscope.topics", topics),
		attribute.String("kscope.initial", initial.String()),
	)
	defer span.End()

	resolved, err := svc.rslv.Resolve(ctx, topics, initial, kscope.EndOffset())
	if err != nil {
		telem.RecordSpanError(span, err)
		return err
	}

	cons, err := svc.strmprov.NewConsumer(svc.mdp.Brokers(), groupId, nil)
	if err != nil {
		err = kscope.NewError(kscope.ErrConnection, err, "NewConsumer group=%s", groupId)
		telem.RecordSpanError(span, err)
		return err
	}
	defer cons.Close()

	if opts.FailIfExists {
		stored, err := svc.storedOffsets(ctx, cons, resolved.Keys())
		if err != nil {
			err = kscope.NewError(kscope.ErrCommit, err, "Committed group=%s", groupId)
			telem.RecordSpanError(span, err)
			return err
		}
		if stored.Len() > 0 {
			err = kscope.NewError(kscope.ErrGroupExists, nil, "group=%s partitions=%d", groupId, stored.Len())
			telem.RecordSpanError(span, err)
			return err
		}
	}

	// unresolved entries are never committed
	commit := kscope.NewPartitionOffsetMap()
	for _, key := range resolved.Keys() {
		offset, _ := resolved.Get(key.Topic, key.Partition)
		if offset >= 0 {
			commit.Set(key.Topic, key.Partition, offset)
		}
	}

	if commit.Len() == 0 {
		log.Warn().
			Str("Group", groupId).
			Strs("Topics", topics).
			Msg("No resolved offsets to commit")
		return nil
	}

	res, err := cons.CommitOffsets(commit.TopicPartitions())
	if err != nil {
		err = kscope.NewError(kscope.ErrCommit, err, "CommitOffsets group=%s", groupId)
		telem.RecordSpanError(span, err)
		return err
	}
	for _, tp := range res {
		if tp.Error != nil {
			err = kscope.NewError(kscope.ErrCommit, tp.Error, "CommitOffsets group=%s topic=%s partition=%d", groupId, *tp.Topic, tp.Partition)
			telem.RecordSpanError(span, err)
			return err
		}
	}

	log.Info().
		Str("Group", groupId).
		Strs("Topics", topics).
		Str("Initial", initial.String()).
		Int("Partitions", commit.Len()).
		Msg("Group offsets committed")
	return nil
}

// GroupOffsets reports start, end and stored offsets for every partition
// where groupId has a stored offset. Topics are sorted by name and
// partitions by id.
func (svc *Service) GroupOffsets(ctx context.Context, groupId string) ([]kscope.ConsumerGroupOffsetDescription, error) {
	ctx, span := telem.StartFunc(ctx, attribute.String("kscope.group", groupId))
	defer span.End()

	cmd, err := svc.mdp.Snapshot(ctx)
	if err != nil {
		telem.RecordSpanError(span, err)
		return nil, err
	}

	var keys []kscope.PartitionKey
	for _, topic := range cmd.Topics {
		for _, part := range topic.Partitions {
			keys = append(keys, kscope.PartitionKey{Topic: topic.Name, Partition: part.Id})
		}
	}
	if len(keys) == 0 {
		return []kscope.ConsumerGroupOffsetDescription{}, nil
	}

	cons, err := svc.strmprov.NewConsumer(svc.mdp.Brokers(), groupId, nil)
	if err != nil {
		err = kscope.NewError(kscope.ErrConnection, err, "NewConsumer group=%s", groupId)
		telem.RecordSpanError(span, err)
		return nil, err
	}
	stored, err := svc.storedOffsets(ctx, cons, keys)
	cons.Close()
	if err != nil {
		err = kscope.NewError(kscope.ErrResolution, err, "Committed group=%s", groupId)
		telem.RecordSpanError(span, err)
		return nil, err
	}

	storedKeys := stored.Keys()
	ends, err := svc.rslv.ResolveKeys(ctx, storedKeys, kscope.EndOffset())
	if err != nil {
		telem.RecordSpanError(span, err)
		return nil, err
	}
	begins, err := svc.rslv.ResolveKeys(ctx, storedKeys, kscope.BeginningOffset())
	if err != nil {
		telem.RecordSpanError(span, err)
		return nil, err
	}

	descs := describe(stored, begins, ends)
	var total int64
	for i := range descs {
		total += descs[i].TotalLag()
	}
	telem.GroupLag(ctx, groupId, total)
	return descs, nil
}

func knownOrUnknown(m kscope.PartitionOffsetMap, topic string, partition int32) int64 {
	offset, ok := m.Get(topic, partition)
	if !ok || offset < 0 {
		return kscope.UnknownOffset
	}
	return offset
}

func describe(stored, begins, ends kscope.PartitionOffsetMap) []kscope.ConsumerGroupOffsetDescription {
	topics := make([]string, 0, len(stored))
	for topic := range stored {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	descs := make([]kscope.ConsumerGroupOffsetDescription, 0, len(topics))
	for _, topic := range topics {
		desc := kscope.ConsumerGroupOffsetDescription{Topic: topic}
		for partition, current := range stored[topic] {
			desc.Partitions = append(desc.Partitions, kscope.ConsumerGroupPartitionOffsets{
				Partition:     partition,
				StartOffset:   knownOrUnknown(begins, topic, partition),
				EndOffset:     knownOrUnknown(ends, topic, partition),
				CurrentOffset: current,
			})
		}
		sort.Slice(desc.Partitions, func(i, j int) bool {
			return desc.Partitions[i].Partition < desc.Partitions[j].Partition
		})
		descs = append(descs, desc)
	}
	return descs
}
