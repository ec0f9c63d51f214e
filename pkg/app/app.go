// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lachlanorr/kscope/pkg/admin"
	"github.com/lachlanorr/kscope/pkg/config"
	"github.com/lachlanorr/kscope/pkg/groups"
	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/metadata"
	"github.com/lachlanorr/kscope/pkg/offsets"
	"github.com/lachlanorr/kscope/pkg/session"
)

// clusterState holds every service bound to one set of bootstrap servers.
type clusterState struct {
	cc      config.ClusterConfig
	mdp     *metadata.Provider
	admin   *admin.Service
	groups  *groups.Service
	sessMgr *session.Manager
}

func newClusterState(strmprov kscope.StreamProvider, cc config.ClusterConfig, sessCfg session.Config) *clusterState {
	mdp := metadata.NewProvider(strmprov, cc.Brokers())
	rslv := offsets.NewResolver(strmprov, mdp)
	return &clusterState{
		cc:      cc,
		mdp:     mdp,
		admin:   admin.NewService(strmprov, mdp),
		groups:  groups.NewService(strmprov, mdp, rslv),
		sessMgr: session.NewManager(strmprov, mdp, rslv, session.NewRegistry(), sessCfg),
	}
}

// App is the command surface shared by the CLI and the HTTP API. Every
// command runs against the current cluster profile.
type App struct {
	strmprov kscope.StreamProvider
	confPath string
	sessCfg  session.Config

	conf    *config.Config
	current *clusterState
	mtx     sync.Mutex
}

// NewApp binds to the config's default cluster. An empty confPath keeps
// cluster switches in memory only.
func NewApp(strmprov kscope.StreamProvider, conf *config.Config, confPath string, sessCfg session.Config) *App {
	app := &App{
		strmprov: strmprov,
		confPath: confPath,
		sessCfg:  sessCfg,
		conf:     conf,
	}
	app.current = newClusterState(strmprov, conf.DefaultClusterConfig(), sessCfg)

	log.Info().
		Str("Cluster", app.current.cc.Name).
		Str("Brokers", app.current.cc.Brokers()).
		Str("StreamProvider", strmprov.Type()).
		Msg("App started")
	return app
}

func (app *App) state() *clusterState {
	app.mtx.Lock()
	defer app.mtx.Unlock()
	return app.current
}

func (app *App) StreamProvider() kscope.StreamProvider {
	return app.strmprov
}

func (app *App) CurrentCluster() config.ClusterConfig {
	return app.state().cc
}

func (app *App) Clusters() []config.ClusterConfig {
	app.mtx.Lock()
	defer app.mtx.Unlock()
	return app.conf.ClusterList()
}

// SetCurrentCluster switches every later command to the named profile.
// Streams running against the previous cluster are stopped.
func (app *App) SetCurrentCluster(name string) (config.ClusterConfig, error) {
	app.mtx.Lock()
	prevDefault := app.conf.DefaultCluster
	cc, err := app.conf.SetDefaultCluster(name)
	if err != nil {
		app.mtx.Unlock()
		return config.ClusterConfig{}, err
	}
	if app.confPath != "" {
		if err := app.conf.Save(app.confPath); err != nil {
			app.conf.DefaultCluster = prevDefault
			app.mtx.Unlock()
			return config.ClusterConfig{}, err
		}
	}
	prev := app.current
	app.current = newClusterState(app.strmprov, cc, app.sessCfg)
	app.mtx.Unlock()

	prev.sessMgr.Close()
	log.Info().
		Str("Cluster", cc.Name).
		Str("Brokers", cc.Brokers()).
		Msg("Current cluster changed")
	return cc, nil
}

func (app *App) Topics(ctx context.Context) (*kscope.ClusterMetadata, error) {
	return app.state().mdp.ClusterMetadata(ctx)
}

func (app *App) RefreshTopics(ctx context.Context) (*kscope.ClusterMetadata, error) {
	st := app.state()
	st.mdp.Invalidate()
	return st.mdp.ClusterMetadata(ctx)
}

func (app *App) TopicConfigs(ctx context.Context, topic string) ([]admin.ConfigProperty, error) {
	return app.state().admin.TopicConfigs(ctx, topic)
}

func (app *App) AlterTopicConfigs(ctx context.Context, topic string, configs map[string]string) error {
	return app.state().admin.AlterTopicConfigs(ctx, topic, configs)
}

func (app *App) CreateTopic(ctx context.Context, topic string, partitions int, replication int, configs map[string]string) (string, error) {
	return app.state().admin.CreateTopic(ctx, topic, partitions, replication, configs)
}

func (app *App) DeleteTopic(ctx context.Context, topic string) (string, error) {
	return app.state().admin.DeleteTopic(ctx, topic)
}

func (app *App) Groups(ctx context.Context) ([]groups.ConsumerGroup, error) {
	return app.state().groups.Groups(ctx)
}

func (app *App) GroupOffsets(ctx context.Context, groupId string) ([]kscope.ConsumerGroupOffsetDescription, error) {
	return app.state().groups.GroupOffsets(ctx, groupId)
}

func (app *App) CreateGroupOffsets(
	ctx context.Context,
	groupId string,
	topics []string,
	initial kscope.OffsetRequest,
	opts groups.CreateGroupOptions,
) error {
	return app.state().groups.CreateGroupOffsets(ctx, groupId, topics, initial, opts)
}

func (app *App) DeleteGroup(ctx context.Context, groupId string) (string, error) {
	return app.state().groups.DeleteGroup(ctx, groupId)
}

func (app *App) StartStream(
	ctx context.Context,
	topic string,
	start kscope.OffsetRequest,
	end *kscope.OffsetRequest,
) (string, kscope.PartitionOffsetMap, <-chan kscope.StreamEvent, error) {
	return app.state().sessMgr.Start(ctx, topic, start, end)
}

func (app *App) StopStream(id string) error {
	return app.state().sessMgr.Stop(id)
}

// StreamDone returns a channel closed once stream id has ended. Streams
// that already ended report false.
func (app *App) StreamDone(id string) (<-chan struct{}, bool) {
	sess, ok := app.state().sessMgr.Lookup(id)
	if !ok {
		return nil, false
	}
	return sess.Done(), true
}

func (app *App) ActiveStreams() []string {
	return app.state().sessMgr.ListActive()
}

// Close stops every stream of the current cluster.
func (app *App) Close() {
	app.state().sessMgr.Close()
}
