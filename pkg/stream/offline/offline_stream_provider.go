// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package offline

import (
	"fmt"
	"sync"

	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"

	"github.com/lachlanorr/kscope/pkg/kscope"
)

// OfflineStreamProvider serves in-memory clusters keyed by their
// bootstrap servers string.
type OfflineStreamProvider struct {
	clusters map[string]*Cluster
	mtx      sync.Mutex
}

func NewOfflineStreamProvider() *OfflineStreamProvider {
	return &OfflineStreamProvider{
		clusters: make(map[string]*Cluster),
	}
}

func (*OfflineStreamProvider) Type() string {
	return "offline"
}

func (ostrmprov *OfflineStreamProvider) AddCluster(name string, brokers string) (*Cluster, error) {
	ostrmprov.mtx.Lock()
	defer ostrmprov.mtx.Unlock()

	if clus, ok := ostrmprov.clusters[brokers]; ok {
		return clus, nil
	}
	clus, err := NewCluster(name, brokers)
	if err != nil {
		return nil, err
	}
	ostrmprov.clusters[brokers] = clus
	return clus, nil
}

func (ostrmprov *OfflineStreamProvider) GetCluster(brokers string) (*Cluster, error) {
	ostrmprov.mtx.Lock()
	defer ostrmprov.mtx.Unlock()

	clus, ok := ostrmprov.clusters[brokers]
	if !ok {
		return nil, kafka.NewError(kafka.ErrTransport, fmt.Sprintf("%s: Connect to broker failed", brokers), false)
	}
	return clus, nil
}

func (ostrmprov *OfflineStreamProvider) NewConsumer(brokers string, groupName string, logCh chan kafka.LogEvent) (kscope.Consumer, error) {
	clus, err := ostrmprov.GetCluster(brokers)
	if err != nil {
		return nil, err
	}
	return NewOfflineConsumer(clus, groupName), nil
}

func (ostrmprov *OfflineStreamProvider) NewAdminClient(brokers string) (kscope.AdminClient, error) {
	clus, err := ostrmprov.GetCluster(brokers)
	if err != nil {
		return nil, err
	}
	return &AdminClient{clus: clus}, nil
}

func (ostrmprov *OfflineStreamProvider) NewGroupAdmin(brokers string) (kscope.GroupAdmin, error) {
	clus, err := ostrmprov.GetCluster(brokers)
	if err != nil {
		return nil, err
	}
	return &GroupAdmin{clus: clus}, nil
}
