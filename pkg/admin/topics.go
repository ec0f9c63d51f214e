// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package admin

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/metadata"
	"github.com/lachlanorr/kscope/pkg/telem"
)

const adminTimeout = 30 * time.Second

type ConfigProperty struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Source      string `json:"source"`
	IsReadOnly  bool   `json:"is_read_only"`
	IsSensitive bool   `json:"is_sensitive"`
}

func configSourceName(src kafka.ConfigSource) string {
	switch src {
	case kafka.ConfigSourceDefault:
		return "Default"
	case kafka.ConfigSourceDynamicTopic:
		return "DynamicTopic"
	case kafka.ConfigSourceDynamicBroker:
		return "DynamicBroker"
	case kafka.ConfigSourceStaticBroker:
		return "StaticBroker"
	case kafka.ConfigSourceDynamicDefaultBroker:
		return "DynamicDefaultBroker"
	default:
		return "Unknown"
	}
}

// Service runs topic level admin operations against one cluster and
// invalidates the shared metadata snapshot after every topic change.
type Service struct {
	strmprov kscope.StreamProvider
	mdp      *metadata.Provider
}

func NewService(strmprov kscope.StreamProvider, mdp *metadata.Provider) *Service {
	return &Service{
		strmprov: strmprov,
		mdp:      mdp,
	}
}

func (svc *Service) adminClient() (kscope.AdminClient, error) {
	admin, err := svc.strmprov.NewAdminClient(svc.mdp.Brokers())
	if err != nil {
		return nil, kscope.NewError(kscope.ErrConnection, err, "NewAdminClient brokers=%s", svc.mdp.Brokers())
	}
	return admin, nil
}

func topicError(topic string, kerr kafka.Error, op string) error {
	if kerr.Code() == kafka.ErrUnknownTopicOrPart {
		return kscope.NewError(kscope.ErrAdmin, kscope.NewError(kscope.ErrTopicNotFound, kerr, "%s", topic), "%s", op)
	}
	return kscope.NewError(kscope.ErrAdmin, kerr, "%s topic=%s", op, topic)
}

func (svc *Service) describe(ctx context.Context, admin kscope.AdminClient, topic string) (map[string]kafka.ConfigEntryResult, error) {
	results, err := admin.DescribeConfigs(
		ctx,
		[]kafka.ConfigResource{{Type: kafka.ResourceTopic, Name: topic}},
		kafka.SetAdminRequestTimeout(adminTimeout),
	)
	if err != nil {
		return nil, kscope.NewError(kscope.ErrAdmin, err, "DescribeConfigs topic=%s", topic)
	}
	if len(results) != 1 {
		return nil, kscope.NewError(kscope.ErrAdmin, nil, "DescribeConfigs topic=%s returned %d results", topic, len(results))
	}
	if results[0].Error.Code() != kafka.ErrNoError {
		return nil, topicError(topic, results[0].Error, "DescribeConfigs")
	}
	return results[0].Config, nil
}

// TopicConfigs returns every config entry of topic sorted by name.
func (svc *Service) TopicConfigs(ctx context.Context, topic string) ([]ConfigProperty, error) {
	admin, err := svc.adminClient()
	if err != nil {
		return nil, err
	}
	defer admin.Close()

	entries, err := svc.describe(ctx, admin, topic)
	if err != nil {
		return nil, err
	}

	props := make([]ConfigProperty, 0, len(entries))
	for _, entry := range entries {
		props = append(props, ConfigProperty{
			Name:        entry.Name,
			Value:       entry.Value,
			Source:      configSourceName(entry.Source),
			IsReadOnly:  entry.IsReadOnly,
			IsSensitive: entry.IsSensitive,
		})
	}
	sort.Slice(props, func(i, j int) bool {
		return props[i].Name < props[j].Name
	})
	return props, nil
}

// AlterTopicConfigs overlays updates on the topic's current overrides and
// writes back the complete set, since AlterConfigs is not incremental. An
// empty value drops the override so the entry reverts to its default.
func (svc *Service) AlterTopicConfigs(ctx context.Context, topic string, updates map[string]string) error {
	ctx, span := telem.StartFunc(ctx)
	defer span.End()

	admin, err := svc.adminClient()
	if err != nil {
		telem.RecordSpanError(span, err)
		return err
	}
	defer admin.Close()

	entries, err := svc.describe(ctx, admin, topic)
	if err != nil {
		telem.RecordSpanError(span, err)
		return err
	}

	overrides := make(map[string]string)
	for name, entry := range entries {
		if entry.Source == kafka.ConfigSourceDynamicTopic {
			overrides[name] = entry.Value
		}
	}
	for name, value := range updates {
		if value == "" {
			delete(overrides, name)
		} else {
			overrides[name] = value
		}
	}

	results, err := admin.AlterConfigs(
		ctx,
		[]kafka.ConfigResource{
			{
				Type:   kafka.ResourceTopic,
				Name:   topic,
				Config: kafka.StringMapToConfigEntries(overrides, kafka.AlterOperationSet),
			},
		},
		kafka.SetAdminRequestTimeout(adminTimeout),
	)
	if err != nil {
		err = kscope.NewError(kscope.ErrAdmin, err, "AlterConfigs topic=%s", topic)
		telem.RecordSpanError(span, err)
		return err
	}
	for _, res := range results {
		if res.Error.Code() != kafka.ErrNoError {
			err = topicError(topic, res.Error, "AlterConfigs")
			telem.RecordSpanError(span, err)
			return err
		}
	}

	log.Info().
		Str("Topic", topic).
		Int("OverrideCount", len(overrides)).
		Msg("Topic configs altered")
	return nil
}

// CreateTopic creates topic and returns its name. A non-positive
// replication factor selects min(3, broker count).
func (svc *Service) CreateTopic(
	ctx context.Context,
	topic string,
	partitions int,
	replication int,
	config map[string]string,
) (string, error) {
	ctx, span := telem.StartFunc(ctx)
	defer span.End()

	admin, err := svc.adminClient()
	if err != nil {
		telem.RecordSpanError(span, err)
		return "", err
	}
	defer admin.Close()

	if replication <= 0 {
		md, err := admin.GetMetadata(nil, false, kscope.ContextTimeoutMs(ctx, kscope.MetadataTimeout))
		if err != nil {
			err = kscope.NewError(kscope.ErrMetadata, err, "GetMetadata brokers=%s", svc.mdp.Brokers())
			telem.RecordSpanError(span, err)
			return "", err
		}
		replication = kscope.Mini(3, len(md.Brokers))
	}

	results, err := admin.CreateTopics(
		ctx,
		[]kafka.TopicSpecification{
			{
				Topic:             topic,
				NumPartitions:     partitions,
				ReplicationFactor: replication,
				Config:            config,
			},
		},
		kafka.SetAdminOperationTimeout(adminTimeout),
	)
	if err != nil {
		err = kscope.NewError(kscope.ErrAdmin, err, "CreateTopics topic=%s", topic)
		telem.RecordSpanError(span, err)
		return "", err
	}
	for _, res := range results {
		if res.Error.Code() != kafka.ErrNoError {
			err = kscope.NewError(kscope.ErrAdmin, res.Error, "CreateTopics topic=%s", res.Topic)
			telem.RecordSpanError(span, err)
			return "", err
		}
	}
	svc.mdp.Invalidate()

	log.Info().
		Str("Topic", topic).
		Int("NumPartitions", partitions).
		Int("ReplicationFactor", replication).
		Msg("Topic created")
	return topic, nil
}

func (svc *Service) DeleteTopic(ctx context.Context, topic string) (string, error) {
	ctx, span := telem.StartFunc(ctx)
	defer span.End()

	admin, err := svc.adminClient()
	if err != nil {
		telem.RecordSpanError(span, err)
		return "", err
	}
	defer admin.Close()

	results, err := admin.DeleteTopics(ctx, []string{topic}, kafka.SetAdminOperationTimeout(adminTimeout))
	if err != nil {
		err = kscope.NewError(kscope.ErrAdmin, err, "DeleteTopics topic=%s", topic)
		telem.RecordSpanError(span, err)
		return "", err
	}
	for _, res := range results {
		if res.Error.Code() != kafka.ErrNoError {
			err = topicError(topic, res.Error, "DeleteTopics")
			telem.RecordSpanError(span, err)
			return "", err
		}
	}
	svc.mdp.Invalidate()

	log.Info().
		Str("Topic", topic).
		Msg("Topic deleted")
	return fmt.Sprintf("Topic %s deleted", topic), nil
}
