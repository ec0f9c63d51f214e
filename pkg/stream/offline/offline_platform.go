// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offline

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

// NewOfflinePlatform builds a provider with one seeded cluster per
// name => brokers entry, used by --offline and by tests.
func NewOfflinePlatform(clusters map[string]string, now time.Time) (*OfflineStreamProvider, error) {
	ostrmprov := NewOfflineStreamProvider()
	for name, brokers := range clusters {
		// profiles sharing brokers share one cluster
		if _, err := ostrmprov.GetCluster(brokers); err == nil {
			continue
		}
		clus, err := ostrmprov.AddCluster(name, brokers)
		if err != nil {
			return nil, err
		}
		err = SeedCluster(clus, now)
		if err != nil {
			return nil, err
		}
		log.Debug().
			Str("Cluster", name).
			Str("Brokers", brokers).
			Msg("Offline cluster seeded")
	}
	return ostrmprov, nil
}

// SeedCluster creates an "orders" topic of 3 partitions holding 10
// messages each, one minute apart ending at now, and a "payments" topic
// of 1 partition. Group "orders-processor" has committed offsets and an
// active member, "payments-audit" has only committed offsets.
func SeedCluster(clus *Cluster, now time.Time) error {
	if _, err := clus.CreateTopic("orders", 3); err != nil {
		return err
	}
	if _, err := clus.CreateTopic("payments", 1); err != nil {
		return err
	}

	first := now.Add(-9 * time.Minute)
	for partition := int32(0); partition < 3; partition++ {
		for i := 0; i < 10; i++ {
			_, err := clus.Produce("orders", partition, &kafka.Message{
				Key:       []byte(fmt.Sprintf("order-%d-%d", partition, i)),
				Value:     []byte(fmt.Sprintf(`{"order":%d,"partition":%d}`, i, partition)),
				Timestamp: first.Add(time.Duration(i) * time.Minute),
				Headers: []kafka.Header{
					{Key: "source", Value: []byte("offline")},
				},
			})
			if err != nil {
				return err
			}
		}
	}
	for i := 0; i < 5; i++ {
		_, err := clus.Produce("payments", 0, &kafka.Message{
			Key:       []byte(fmt.Sprintf("payment-%d", i)),
			Value:     []byte(fmt.Sprintf(`{"payment":%d}`, i)),
			Timestamp: first.Add(time.Duration(i*2) * time.Minute),
		})
		if err != nil {
			return err
		}
	}

	orders := "orders"
	payments := "payments"
	clus.commit("orders-processor", []kafka.TopicPartition{
		{Topic: &orders, Partition: 0, Offset: 7},
		{Topic: &orders, Partition: 1, Offset: 10},
		{Topic: &orders, Partition: 2, Offset: 4},
	})
	clus.AddGroupMember(
		"orders-processor",
		"orders-processor-1-5d9e",
		"orders-processor-1",
		"/10.0.0.12",
		map[string][]int32{"orders": {0, 1, 2}},
	)
	clus.commit("payments-audit", []kafka.TopicPartition{
		{Topic: &payments, Partition: 0, Offset: 2},
	})
	return nil
}
