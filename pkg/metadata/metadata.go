// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package metadata

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

// Provider fetches cluster metadata for one bootstrap servers string. The
// full cluster snapshot is memoized until Invalidate, single topic lookups
// always go to the broker.
type Provider struct {
	strmprov kscope.StreamProvider
	brokers  string

	cached *kscope.ClusterMetadata
	mtx    sync.Mutex
}

func NewProvider(strmprov kscope.StreamProvider, brokers string) *Provider {
	return &Provider{
		strmprov: strmprov,
		brokers:  brokers,
	}
}

func (mdp *Provider) Brokers() string {
	return mdp.brokers
}

func (mdp *Provider) fetch(ctx context.Context, topic *string) (*kafka.Metadata, error) {
	admin, err := mdp.strmprov.NewAdminClient(mdp.brokers)
	if err != nil {
		return nil, kscope.NewError(kscope.ErrConnection, err, "NewAdminClient brokers=%s", mdp.brokers)
	}
	defer admin.Close()

	md, err := admin.GetMetadata(topic, topic == nil, kscope.ContextTimeoutMs(ctx, kscope.MetadataTimeout))
	if err != nil {
		return nil, kscope.NewError(kscope.ErrMetadata, err, "GetMetadata brokers=%s", mdp.brokers)
	}
	return md, nil
}

// ClusterMetadata returns the memoized snapshot, fetching it on first use.
func (mdp *Provider) ClusterMetadata(ctx context.Context) (*kscope.ClusterMetadata, error) {
	mdp.mtx.Lock()
	cached := mdp.cached
	mdp.mtx.Unlock()
	if cached != nil {
		return cached, nil
	}

	cmd, err := mdp.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	mdp.mtx.Lock()
	defer mdp.mtx.Unlock()
	// a concurrent fetch may have won, either snapshot is fine
	if mdp.cached == nil {
		mdp.cached = cmd
	}
	log.Debug().
		Str("Brokers", mdp.brokers).
		Int("TopicCount", len(mdp.cached.Topics)).
		Msg("Cluster metadata fetched")
	return mdp.cached, nil
}

// Snapshot fetches the current cluster metadata without reading or
// replacing the memoized snapshot.
func (mdp *Provider) Snapshot(ctx context.Context) (*kscope.ClusterMetadata, error) {
	md, err := mdp.fetch(ctx, nil)
	if err != nil {
		return nil, err
	}
	return kscope.NewClusterMetadata(md), nil
}

// Invalidate drops the memoized snapshot so the next ClusterMetadata call
// refetches.
func (mdp *Provider) Invalidate() {
	mdp.mtx.Lock()
	defer mdp.mtx.Unlock()
	mdp.cached = nil
}

// TopicMetadata fetches a single topic. Unknown topics fail with an error
// matching both ErrMetadata and ErrTopicNotFound.
func (mdp *Provider) TopicMetadata(ctx context.Context, topic string) (*kscope.Topic, error) {
	md, err := mdp.fetch(ctx, &topic)
	if err != nil {
		return nil, err
	}

	tmd, ok := md.Topics[topic]
	if !ok {
		return nil, kscope.NewError(
			kscope.ErrMetadata,
			kscope.NewError(kscope.ErrTopicNotFound, nil, "%s", topic),
			"topic missing from metadata",
		)
	}
	if tmd.Error.Code() != kafka.ErrNoError {
		if tmd.Error.Code() == kafka.ErrUnknownTopicOrPart {
			return nil, kscope.NewError(
				kscope.ErrMetadata,
				kscope.NewError(kscope.ErrTopicNotFound, tmd.Error, "%s", topic),
				"topic metadata",
			)
		}
		return nil, kscope.NewError(kscope.ErrMetadata, tmd.Error, "topic metadata %s", topic)
	}

	t := kscope.NewTopic(topic, tmd)
	return &t, nil
}
