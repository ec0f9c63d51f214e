// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offsets

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/metadata"
	"github.com/lachlanorr/kscope/pkg/telem"
)

// ListOffsets issues one batched list offsets request for every key with
// the same logical or timestamp offset. Entries the broker could not
// resolve come back as kscope.OffsetInvalid. The consumer handle lives only
// for this call.
func ListOffsets(
	ctx context.Context,
	strmprov kscope.StreamProvider,
	brokers string,
	keys []kscope.PartitionKey,
	offset kafka.Offset,
) (kscope.PartitionOffsetMap, error) {
	res := kscope.NewPartitionOffsetMap()
	if len(keys) == 0 {
		return res, nil
	}

	cons, err := strmprov.NewConsumer(brokers, kscope.ToolGroupName("offsets"), nil)
	if err != nil {
		return nil, kscope.NewError(kscope.ErrConnection, err, "NewConsumer brokers=%s", brokers)
	}
	defer cons.Close()

	req := make([]kafka.TopicPartition, len(keys))
	for i, key := range keys {
		topic := key.Topic
		req[i] = kafka.TopicPartition{
			Topic:     &topic,
			Partition: key.Partition,
			Offset:    offset,
		}
		res.Set(key.Topic, key.Partition, kscope.OffsetInvalid)
	}

	tps, err := cons.OffsetsForTimes(req, kscope.ContextTimeoutMs(ctx, kscope.MetadataTimeout))
	if err != nil {
		return nil, kscope.NewError(kscope.ErrResolution, err, "OffsetsForTimes offset=%d", offset)
	}
	for topic, parts := range kscope.PartitionOffsetMapFromKafka(tps) {
		for partition, off := range parts {
			if _, ok := res.Get(topic, partition); ok {
				res.Set(topic, partition, off)
			}
		}
	}
	return res, nil
}

type Resolver struct {
	strmprov kscope.StreamProvider
	mdp      *metadata.Provider
}

func NewResolver(strmprov kscope.StreamProvider, mdp *metadata.Provider) *Resolver {
	return &Resolver{
		strmprov: strmprov,
		mdp:      mdp,
	}
}

// Partitions fetches metadata for every topic in parallel and enumerates
// partitions 0..max(id). Any single failure fails the whole call.
func (rslv *Resolver) Partitions(ctx context.Context, topics []string) ([]kscope.PartitionKey, error) {
	uniq := make([]string, 0, len(topics))
	for _, topic := range topics {
		if !kscope.Contains(uniq, topic) {
			uniq = append(uniq, topic)
		}
	}

	results := make([]*kscope.Topic, len(uniq))
	grp, grpCtx := errgroup.WithContext(ctx)
	for i, topic := range uniq {
		i, topic := i, topic
		grp.Go(func() error {
			tmdCtx, cancel := context.WithTimeout(grpCtx, kscope.MetadataTimeout)
			defer cancel()
			tmd, err := rslv.mdp.TopicMetadata(tmdCtx, topic)
			if err != nil {
				return err
			}
			results[i] = tmd
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	var keys []kscope.PartitionKey
	for _, tmd := range results {
		for _, id := range tmd.PartitionIds() {
			keys = append(keys, kscope.PartitionKey{Topic: tmd.Name, Partition: id})
		}
	}
	return keys, nil
}

// ResolveKeys resolves one request over exactly the given partitions, with
// no fallback.
func (rslv *Resolver) ResolveKeys(ctx context.Context, keys []kscope.PartitionKey, req kscope.OffsetRequest) (kscope.PartitionOffsetMap, error) {
	if err := req.Validate(); err != nil {
		return nil, kscope.NewError(kscope.ErrResolution, err, "invalid request")
	}

	var res kscope.PartitionOffsetMap
	if req.Type == kscope.Tail {
		ends, err := ListOffsets(ctx, rslv.strmprov, rslv.mdp.Brokers(), keys, kafka.OffsetEnd)
		if err != nil {
			return nil, err
		}
		begins, err := ListOffsets(ctx, rslv.strmprov, rslv.mdp.Brokers(), keys, kafka.OffsetBeginning)
		if err != nil {
			return nil, err
		}
		res = kscope.NewPartitionOffsetMap()
		for _, key := range keys {
			end, _ := ends.Get(key.Topic, key.Partition)
			if end < 0 {
				res.Set(key.Topic, key.Partition, kscope.OffsetInvalid)
				continue
			}
			floor := int64(0)
			if begin, _ := begins.Get(key.Topic, key.Partition); begin > 0 {
				floor = begin
			}
			res.Set(key.Topic, key.Partition, kscope.Maxi64(end-req.Value, floor))
		}
	} else {
		offset, err := req.KafkaOffset()
		if err != nil {
			return nil, kscope.NewError(kscope.ErrResolution, err, "invalid request")
		}
		res, err = ListOffsets(ctx, rslv.strmprov, rslv.mdp.Brokers(), keys, offset)
		if err != nil {
			return nil, err
		}
	}

	telem.OffsetsResolved(ctx, string(req.Type), len(keys))
	return res, nil
}

// Resolve turns a symbolic request into absolute offsets for every
// partition of topics. Only timestamp requests fall back: partitions with
// no record at or after the timestamp take their offset from fallback,
// every other partition keeps the timestamp result.
func (rslv *Resolver) Resolve(
	ctx context.Context,
	topics []string,
	primary kscope.OffsetRequest,
	fallback kscope.OffsetRequest,
) (kscope.PartitionOffsetMap, error) {
	ctx, span := telem.StartFunc(
		ctx,
		attribute.StringSlice("kscope.topics", topics),
		attribute.String("kscope.primary", primary.String()),
		attribute.String("kscope.fallback", fallback.String()),
	)
	defer span.End()

	keys, err := rslv.Partitions(ctx, topics)
	if err != nil {
		telem.RecordSpanError(span, err)
		return nil, err
	}

	res, err := rslv.ResolveKeys(ctx, keys, primary)
	if err != nil {
		telem.RecordSpanError(span, err)
		return nil, err
	}

	if primary.Type == kscope.Timestamp {
		invalid := res.Invalid()
		if len(invalid) > 0 {
			fb, err := rslv.ResolveKeys(ctx, keys, fallback)
			if err != nil {
				telem.RecordSpanError(span, err)
				return nil, err
			}
			res = res.Splice(fb, invalid)
			log.Debug().
				Strs("Topics", topics).
				Int("FallbackCount", len(invalid)).
				Str("Fallback", fallback.String()).
				Msg("Timestamp offsets fell back")
		}
	}

	span.SetAttributes(attribute.Int("kscope.partitions", res.Len()))
	return res, nil
}
