// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package kscopecmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lachlanorr/kscope/pkg/app"
	"github.com/lachlanorr/kscope/pkg/config"
	"github.com/lachlanorr/kscope/pkg/kscope"
	"github.com/lachlanorr/kscope/pkg/session"
	"github.com/lachlanorr/kscope/pkg/stream/offline"
)

func runOffline(t *testing.T, args ...string) string {
	var buf bytes.Buffer
	kcmd := &KscopeCmd{
		settings: &config.Settings{
			ConfigPath:    filepath.Join(t.TempDir(), config.DefaultFileName),
			Offline:       true,
			WatchInterval: time.Second,
		},
		out: &buf,
	}
	rootCmd := kcmd.rootCommand()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%s error: %s", strings.Join(args, " "), err.Error())
	}
	return buf.String()
}

func TestParseKeyValues(t *testing.T) {
	kvs, err := parseKeyValues([]string{"retention.ms=1000", "cleanup.policy=", "a=b=c"})
	if err != nil {
		t.Fatalf("parseKeyValues error: %s", err.Error())
	}
	if kvs["retention.ms"] != "1000" || kvs["a"] != "b=c" {
		t.Fatalf("Unexpected values: %+v", kvs)
	}
	if v, ok := kvs["cleanup.policy"]; !ok || v != "" {
		t.Fatalf("Empty value dropped: %+v", kvs)
	}

	for _, bad := range []string{"novalue", "=1000"} {
		if _, err := parseKeyValues([]string{bad}); err == nil {
			t.Fatalf("Expected error for '%s'", bad)
		}
	}
}

func TestTopicsList(t *testing.T) {
	out := runOffline(t, "topics", "list")
	var topics []kscope.Topic
	if err := json.Unmarshal([]byte(out), &topics); err != nil {
		t.Fatalf("Unmarshal error: %s, output: %s", err.Error(), out)
	}
	if len(topics) < 2 || topics[0].Name != "orders" || topics[1].Name != "payments" {
		t.Fatalf("Unexpected topics: %s", out)
	}
}

func TestGroupOffsets(t *testing.T) {
	out := runOffline(t, "groups", "offsets", "orders-processor")
	var descs []kscope.ConsumerGroupOffsetDescription
	if err := json.Unmarshal([]byte(out), &descs); err != nil {
		t.Fatalf("Unmarshal error: %s, output: %s", err.Error(), out)
	}
	if len(descs) != 1 || descs[0].TotalLag() != 9 {
		t.Fatalf("Unexpected offsets: %s", out)
	}
}

func TestConsumeBounded(t *testing.T) {
	out := runOffline(t, "consume", "payments", "--start", "beginning", "--end", "end")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected 5 messages, got %d: %s", len(lines), out)
	}
	var env kscope.MessageEnvelope
	if err := json.Unmarshal([]byte(lines[4]), &env); err != nil {
		t.Fatalf("Unmarshal error: %s", err.Error())
	}
	if env.Offset != 4 || env.Partition != 0 {
		t.Fatalf("Unexpected last message: %s", lines[4])
	}
}

func TestPollInterval(t *testing.T) {
	if pollInterval(0) != time.Second || pollInterval(5*time.Second) != 5*time.Second {
		t.Fatalf("Unexpected poll intervals")
	}
}

func TestStopWhenDone(t *testing.T) {
	ostrmprov, err := offline.NewOfflinePlatform(map[string]string{config.LocalClusterName: config.LocalClusterBroker}, time.Now())
	if err != nil {
		t.Fatalf("NewOfflinePlatform error: %s", err.Error())
	}
	sessCfg := session.Config{
		PollTimeout: 20 * time.Millisecond,
		EventBuffer: 10,
	}
	kcmd := &KscopeCmd{app: app.NewApp(ostrmprov, config.Default(), "", sessCfg)}
	defer kcmd.app.Close()

	id, _, events, err := kcmd.app.StartStream(context.Background(), "orders", kscope.EndOffset(), nil)
	if err != nil {
		t.Fatalf("StartStream error: %s", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	kcmd.stopWhenDone(ctx, id)
	for range events {
	}
	if active := kcmd.app.ActiveStreams(); len(active) != 0 {
		t.Fatalf("Stream still active after stop: %v", active)
	}

	// a second stop finds nothing and must not fail
	kcmd.stopWhenDone(ctx, id)
}
