// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscopecmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lachlanorr/kscope/pkg/groups"
	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/serve"
	"github.com/lachlanorr/kscope/pkg/sink"
)

func (kcmd *KscopeCmd) print(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(kcmd.out, string(b))
	return err
}

// parseKeyValues splits each "key=value" argument. An empty value is kept
// so that an override can be reverted with "key=".
func parseKeyValues(args []string) (map[string]string, error) {
	kvs := make(map[string]string, len(args))
	for _, arg := range args {
		idx := strings.Index(arg, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("expected key=value, got '%s'", arg)
		}
		kvs[arg[:idx]] = arg[idx+1:]
	}
	return kvs, nil
}

func (kcmd *KscopeCmd) clusterCommand() *cobra.Command {
	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster profile commands",
	}

	clusterCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured cluster profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return kcmd.print(kcmd.app.Clusters())
		},
	})
	clusterCmd.AddCommand(&cobra.Command{
		Use:   "current",
		Short: "Show the selected cluster profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return kcmd.print(kcmd.app.CurrentCluster())
		},
	})
	clusterCmd.AddCommand(&cobra.Command{
		Use:   "use CLUSTER",
		Short: "Select and save the default cluster profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := kcmd.app.SetCurrentCluster(args[0])
			if err != nil {
				return err
			}
			return kcmd.print(cc)
		},
	})
	return clusterCmd
}

func (kcmd *KscopeCmd) topicsCommand() *cobra.Command {
	topicsCmd := &cobra.Command{
		Use:   "topics",
		Short: "Topic commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics with their partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			fetch := kcmd.app.Topics
			if kcmd.refresh {
				fetch = kcmd.app.RefreshTopics
			}
			md, err := fetch(cmd.Context())
			if err != nil {
				return err
			}
			return kcmd.print(md.Topics)
		},
	}
	listCmd.Flags().BoolVar(&kcmd.refresh, "refresh", false, "Bypass cached metadata")
	topicsCmd.AddCommand(listCmd)

	topicsCmd.AddCommand(&cobra.Command{
		Use:   "configs TOPIC",
		Short: "Show the configuration of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := kcmd.app.TopicConfigs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return kcmd.print(props)
		},
	})

	topicsCmd.AddCommand(&cobra.Command{
		Use:   "alter TOPIC KEY=VALUE...",
		Short: "Set topic config overrides, an empty value reverts to the default",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates, err := parseKeyValues(args[1:])
			if err != nil {
				return err
			}
			if err := kcmd.app.AlterTopicConfigs(cmd.Context(), args[0], updates); err != nil {
				return err
			}
			props, err := kcmd.app.TopicConfigs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return kcmd.print(props)
		},
	})

	createCmd := &cobra.Command{
		Use:   "create TOPIC",
		Short: "Create a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := parseKeyValues(kcmd.configs)
			if err != nil {
				return err
			}
			name, err := kcmd.app.CreateTopic(cmd.Context(), args[0], kcmd.partitions, kcmd.replication, configs)
			if err != nil {
				return err
			}
			log.Info().
				Str("Topic", name).
				Msg("Topic created")
			return nil
		},
	}
	createCmd.Flags().IntVar(&kcmd.partitions, "partitions", 1, "Partition count")
	createCmd.Flags().IntVar(&kcmd.replication, "replication", 0, "Replication factor, 0 picks min(3, brokers)")
	createCmd.Flags().StringSliceVar(&kcmd.configs, "config", nil, "Topic config as key=value, repeatable")
	topicsCmd.AddCommand(createCmd)

	topicsCmd.AddCommand(&cobra.Command{
		Use:   "delete TOPIC",
		Short: "Delete a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := kcmd.app.DeleteTopic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.Info().Msg(msg)
			return nil
		},
	})
	return topicsCmd
}

func (kcmd *KscopeCmd) groupsCommand() *cobra.Command {
	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "Consumer group commands",
	}

	groupsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List consumer groups with their members",
		RunE: func(cmd *cobra.Command, args []string) error {
			grps, err := kcmd.app.Groups(cmd.Context())
			if err != nil {
				return err
			}
			return kcmd.print(grps)
		},
	})

	groupsCmd.AddCommand(&cobra.Command{
		Use:   "offsets GROUP",
		Short: "Show committed offsets and lag of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, err := kcmd.app.GroupOffsets(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return kcmd.print(descs)
		},
	})

	createCmd := &cobra.Command{
		Use:   "create GROUP TOPIC...",
		Short: "Commit initial offsets for a group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := kscope.ParseOffsetRequest(kcmd.initial)
			if err != nil {
				return err
			}
			err = kcmd.app.CreateGroupOffsets(
				cmd.Context(),
				args[0],
				args[1:],
				initial,
				groups.CreateGroupOptions{FailIfExists: kcmd.failIfExists},
			)
			if err != nil {
				return err
			}
			descs, err := kcmd.app.GroupOffsets(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return kcmd.print(descs)
		},
	}
	createCmd.Flags().StringVar(&kcmd.initial, "initial", "end", "Initial position: beginning, end, ts:<ms>, tail:<n> or RFC3339")
	createCmd.Flags().BoolVar(&kcmd.failIfExists, "fail-if-exists", false, "Refuse to overwrite stored offsets")
	groupsCmd.AddCommand(createCmd)

	groupsCmd.AddCommand(&cobra.Command{
		Use:   "delete GROUP",
		Short: "Delete a consumer group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := kcmd.app.DeleteGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			log.Info().Msg(msg)
			return nil
		},
	})

	watchCmd := &cobra.Command{
		Use:   "watch GROUP",
		Short: "Poll group lag and write it to the configured sinks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			snk, err := kcmd.newSinks(cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := snk.Close(); err != nil {
					log.Error().
						Err(err).
						Msg("Failed to close sinks")
				}
			}()

			sink.Watch(
				ctx,
				pollInterval(kcmd.settings.WatchInterval),
				kcmd.app.CurrentCluster().Name,
				args[0],
				kcmd.app.GroupOffsets,
				snk,
			)
			return nil
		},
	}
	watchCmd.Flags().DurationVar(&kcmd.settings.WatchInterval, "interval", kcmd.settings.WatchInterval, "Poll interval")
	watchCmd.Flags().StringSliceVar(&kcmd.sinks, "sink", []string{"console"}, "Sinks to write to: console, postgres, influxdb")
	watchCmd.Flags().StringVar(&kcmd.settings.PostgresUrl, "postgres_url", kcmd.settings.PostgresUrl, "Postgres connection string")
	watchCmd.Flags().StringVar(&kcmd.settings.InfluxdbAddr, "influxdb_addr", kcmd.settings.InfluxdbAddr, "InfluxDB HTTP address")
	watchCmd.Flags().StringVar(&kcmd.settings.InfluxdbDb, "influxdb_db", kcmd.settings.InfluxdbDb, "InfluxDB database")
	groupsCmd.AddCommand(watchCmd)

	return groupsCmd
}

func (kcmd *KscopeCmd) newSinks(cmd *cobra.Command) (sink.Multi, error) {
	var snk sink.Multi
	for _, name := range kcmd.sinks {
		switch strings.ToLower(name) {
		case "console":
			snk = append(snk, sink.NewConsoleSink(kcmd.out))
		case "postgres":
			if kcmd.settings.PostgresUrl == "" {
				snk.Close()
				return nil, fmt.Errorf("postgres sink requires --postgres_url")
			}
			ps, err := sink.NewPostgresSink(cmd.Context(), kcmd.settings.PostgresUrl)
			if err != nil {
				snk.Close()
				return nil, err
			}
			snk = append(snk, ps)
		case "influxdb":
			if kcmd.settings.InfluxdbAddr == "" {
				snk.Close()
				return nil, fmt.Errorf("influxdb sink requires --influxdb_addr")
			}
			is, err := sink.NewInfluxSink(sink.InfluxConfig{
				Addr:     kcmd.settings.InfluxdbAddr,
				Username: kcmd.settings.InfluxdbUser,
				Password: kcmd.settings.InfluxdbPwd,
				Db:       kcmd.settings.InfluxdbDb,
			})
			if err != nil {
				snk.Close()
				return nil, err
			}
			snk = append(snk, is)
		default:
			snk.Close()
			return nil, fmt.Errorf("unknown sink '%s'", name)
		}
	}
	return snk, nil
}

func (kcmd *KscopeCmd) consumeCommand() *cobra.Command {
	consumeCmd := &cobra.Command{
		Use:   "consume TOPIC",
		Short: "Stream messages of a topic as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := kscope.ParseOffsetRequest(kcmd.start)
			if err != nil {
				return err
			}
			var end *kscope.OffsetRequest
			if kcmd.end != "" {
				req, err := kscope.ParseOffsetRequest(kcmd.end)
				if err != nil {
					return err
				}
				end = &req
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			id, _, events, err := kcmd.app.StartStream(ctx, args[0], start, end)
			if err != nil {
				return err
			}
			go kcmd.stopWhenDone(ctx, id)

			for evt := range events {
				if evt.Message != nil {
					b, err := json.Marshal(evt.Message)
					if err != nil {
						return err
					}
					fmt.Fprintln(kcmd.out, string(b))
				}
				if evt.IsEnd() && evt.Err != nil {
					return evt.Err
				}
			}
			return nil
		},
	}
	consumeCmd.Flags().StringVar(&kcmd.start, "start", "end", "Start position: beginning, end, ts:<ms>, tail:<n> or RFC3339")
	consumeCmd.Flags().StringVar(&kcmd.end, "end", "", "Stop position, empty streams until interrupted")
	return consumeCmd
}

// stopWhenDone stops stream id once ctx is done. Streams that already
// ended report not found, which is expected.
func (kcmd *KscopeCmd) stopWhenDone(ctx context.Context, id string) {
	<-ctx.Done()
	err := kcmd.app.StopStream(id)
	if err != nil && !errors.Is(err, kscope.ErrSessionNotFound) {
		log.Warn().
			Err(err).
			Str("Session", id).
			Msg("Stream stop failed")
		return
	}
	log.Debug().
		Str("Session", id).
		Msg("Stream stopped")
}

func (kcmd *KscopeCmd) serveCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and gRPC health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			srv, err := serve.NewServer(kcmd.app, kcmd.settings.HttpAddr, kcmd.settings.GrpcAddr)
			if err != nil {
				return err
			}
			return srv.Serve(ctx)
		},
	}
	serveCmd.Flags().StringVar(&kcmd.settings.HttpAddr, "http_addr", kcmd.settings.HttpAddr, "HTTP listen address")
	serveCmd.Flags().StringVar(&kcmd.settings.GrpcAddr, "grpc_addr", kcmd.settings.GrpcAddr, "gRPC listen address")
	return serveCmd
}

// pollInterval floors watch intervals so a zero flag cannot spin.
func pollInterval(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
