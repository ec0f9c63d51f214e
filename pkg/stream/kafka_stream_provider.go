// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package stream

import (
	"strings"

	"github.com/Shopify/sarama"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

type KafkaStreamProvider struct {
	clientId string
}

func NewKafkaStreamProvider(clientId string) *KafkaStreamProvider {
	if clientId == "" {
		clientId = "kscope"
	}
	return &KafkaStreamProvider{clientId: clientId}
}

func (*KafkaStreamProvider) Type() string {
	return "kafka"
}

// NewConsumer never auto commits or stores offsets; commits happen only
// through explicit CommitOffsets.
func (kstrmprov *KafkaStreamProvider) NewConsumer(brokers string, groupName string, logCh chan kafka.LogEvent) (kscope.Consumer, error) {
	cfg := &kafka.ConfigMap{
		"bootstrap.servers":        brokers,
		"client.id":                kstrmprov.clientId,
		"group.id":                 groupName,
		"enable.auto.commit":       false,
		"enable.auto.offset.store": false,
		"enable.partition.eof":     false,
	}
	if logCh != nil {
		_ = cfg.SetKey("go.logs.channel.enable", true)
		_ = cfg.SetKey("go.logs.channel", logCh)
	}
	return kafka.NewConsumer(cfg)
}

func (kstrmprov *KafkaStreamProvider) NewAdminClient(brokers string) (kscope.AdminClient, error) {
	return kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"client.id":         kstrmprov.clientId,
	})
}

func (kstrmprov *KafkaStreamProvider) NewGroupAdmin(brokers string) (kscope.GroupAdmin, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = kstrmprov.clientId
	cfg.Version = sarama.V2_1_0_0
	return sarama.NewClusterAdmin(strings.Split(brokers, ","), cfg)
}
