// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscopecmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lachlanorr/kscope/pkg/app"
	"github.com/lachlanorr/kscope/pkg/config"
	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/session"
	"github.com/lachlanorr/kscope/pkg/stream"
	"github.com/lachlanorr/kscope/pkg/stream/offline"
	"github.com/lachlanorr/kscope/pkg/telem"
	"github.com/lachlanorr/kscope/version"
)

const clientId = "kscope"

type KscopeCmd struct {
	settings *config.Settings
	out      io.Writer

	app *app.App

	// per command flags
	refresh      bool
	partitions   int
	replication  int
	configs      []string
	initial      string
	failIfExists bool
	start        string
	end          string
	sinks        []string
}

func NewKscopeCmd() *KscopeCmd {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatal().
			Err(err).
			Msg("Failed to load settings from environment")
	}
	return &KscopeCmd{
		settings: settings,
		out:      os.Stdout,
	}
}

func (kcmd *KscopeCmd) Start() {
	kscope.PrepLogging()
	if err := kcmd.rootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newStreamProvider selects the in-memory cluster for --offline, seeding
// one cluster per configured profile.
func (kcmd *KscopeCmd) newStreamProvider(conf *config.Config) (kscope.StreamProvider, error) {
	if !kcmd.settings.Offline {
		return stream.NewKafkaStreamProvider(clientId), nil
	}
	clusters := make(map[string]string, len(conf.Clusters))
	for name, cc := range conf.Clusters {
		clusters[name] = cc.Brokers()
	}
	return offline.NewOfflinePlatform(clusters, time.Now())
}

func (kcmd *KscopeCmd) prerunCobra(cmd *cobra.Command, args []string) error {
	conf, err := config.Load(kcmd.settings.ConfigPath)
	if err != nil {
		return err
	}
	// --cluster overrides the saved default for this invocation only
	if kcmd.settings.Cluster != "" {
		if _, err := conf.SetDefaultCluster(kcmd.settings.Cluster); err != nil {
			return err
		}
	}

	strmprov, err := kcmd.newStreamProvider(conf)
	if err != nil {
		return err
	}

	if kcmd.settings.OtelcolEndpoint != "" {
		if err := telem.Initialize(cmd.Context(), kcmd.settings.OtelcolEndpoint); err != nil {
			log.Warn().
				Err(err).
				Str("Endpoint", kcmd.settings.OtelcolEndpoint).
				Msg("Telemetry disabled")
		}
	}

	sessCfg := session.DefaultConfig()
	if kcmd.settings.Offline {
		sessCfg.SubscribeDelay = 0
	}
	kcmd.app = app.NewApp(strmprov, conf, kcmd.settings.ConfigPath, sessCfg)
	return nil
}

func (kcmd *KscopeCmd) postrunCobra(cmd *cobra.Command, args []string) {
	if kcmd.app != nil {
		kcmd.app.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telem.Shutdown(ctx); err != nil {
		log.Warn().
			Err(err).
			Msg("Telemetry shutdown failed")
	}
}

func (kcmd *KscopeCmd) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "kscope",
		Short:             "Kafka cluster inspection - " + version.GitCommit,
		PersistentPreRunE: kcmd.prerunCobra,
		PersistentPostRun: kcmd.postrunCobra,
		SilenceUsage:      true,
	}
	rootCmd.PersistentFlags().StringVar(&kcmd.settings.ConfigPath, "config", kcmd.settings.ConfigPath, "Path to the cluster profile file")
	rootCmd.PersistentFlags().StringVar(&kcmd.settings.Cluster, "cluster", kcmd.settings.Cluster, "Cluster profile to use instead of the saved default")
	rootCmd.PersistentFlags().BoolVar(&kcmd.settings.Offline, "offline", kcmd.settings.Offline, "Use a seeded in-memory cluster instead of real brokers")
	rootCmd.PersistentFlags().StringVar(&kcmd.settings.OtelcolEndpoint, "otelcol_endpoint", kcmd.settings.OtelcolEndpoint, "OpenTelemetry collector address, empty disables telemetry")

	rootCmd.AddCommand(kcmd.clusterCommand())
	rootCmd.AddCommand(kcmd.topicsCommand())
	rootCmd.AddCommand(kcmd.groupsCommand())
	rootCmd.AddCommand(kcmd.consumeCommand())
	rootCmd.AddCommand(kcmd.serveCommand())
	return rootCmd
}

// signalContext is cancelled on the first interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt)
}
