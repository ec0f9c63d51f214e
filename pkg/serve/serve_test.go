// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package serve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lachlanorr/kscope/pkg/app"
	"github.com/lachlanorr/kscope/pkg/config"
	"github.com/lachlanorr/kscope/pkg/session"
	"github.com/lachlanorr/kscope/pkg/stream/offline"
)

func newTestServer(t *testing.T) *Server {
	ostrmprov, err := offline.NewOfflinePlatform(map[string]string{"local": config.LocalClusterBroker}, time.Now())
	if err != nil {
		t.Fatalf("NewOfflinePlatform error: %s", err.Error())
	}
	sessCfg := session.Config{
		PollTimeout: 20 * time.Millisecond,
		EventBuffer: 10,
	}
	a := app.NewApp(ostrmprov, config.Default(), "", sessCfg)
	t.Cleanup(a.Close)

	srv, err := NewServer(a, "127.0.0.1:0", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer error: %s", err.Error())
	}
	return srv
}

func do(t *testing.T, srv *Server, method string, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Unmarshal error: %s, body: %s", err.Error(), rec.Body.String())
	}
}

func TestHealthAndCluster(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "GET", "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "SERVING") {
		t.Fatalf("Unexpected health response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "GET", "/v1/cluster", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var cr clusterResponse
	decodeBody(t, rec, &cr)
	if cr.Current.Name != config.LocalClusterName || len(cr.Clusters) != 1 {
		t.Fatalf("Unexpected cluster response: %+v", cr)
	}

	rec = do(t, srv, "PUT", "/v1/cluster", `{"name":"nowhere"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown cluster, got %d", rec.Code)
	}
}

func TestTopicRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "GET", "/v1/topics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"orders"`) {
		t.Fatalf("Unexpected topics response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "POST", "/v1/topics", `{"topic":"audit","partitions":2}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Unexpected create status %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "PATCH", "/v1/topics/audit/configs", `{"retention.ms": 3600000, "cleanup.policy": "compact"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected alter status %d: %s", rec.Code, rec.Body.String())
	}
	var tcr topicConfigsResponse
	decodeBody(t, rec, &tcr)
	found := 0
	for _, prop := range tcr.Configs {
		if (prop.Name == "retention.ms" && prop.Value == "3600000") || (prop.Name == "cleanup.policy" && prop.Value == "compact") {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("Overrides missing from configs: %+v", tcr.Configs)
	}

	rec = do(t, srv, "DELETE", "/v1/topics/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected delete status %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, "GET", "/v1/topics/audit/configs", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for deleted topic, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGroupRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "GET", "/v1/groups", "")
	var gr groupsResponse
	decodeBody(t, rec, &gr)
	if rec.Code != http.StatusOK || len(gr.Groups) != 2 {
		t.Fatalf("Unexpected groups response %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "GET", "/v1/groups/orders-processor/offsets", "")
	var gor groupOffsetsResponse
	decodeBody(t, rec, &gor)
	if len(gor.Topics) != 1 || gor.Topics[0].TotalLag() != 9 {
		t.Fatalf("Unexpected offsets response: %s", rec.Body.String())
	}

	rec = do(t, srv, "POST", "/v1/groups/orders-processor/offsets", `{"topics":["orders"],"initial":{"type":"End"},"fail_if_exists":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for existing group, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(t, srv, "POST", "/v1/groups/fresh/offsets", `{"topics":["orders"],"initial":{"type":"Beginning"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected create offsets status %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &gor)
	for _, p := range gor.Topics[0].Partitions {
		if p.CurrentOffset != p.StartOffset {
			t.Fatalf("Current %d != start %d for partition %d", p.CurrentOffset, p.StartOffset, p.Partition)
		}
	}

	rec = do(t, srv, "POST", "/v1/groups/fresh/offsets", `{"topics":["orders"],"initial":{"type":"Sideways"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown offset type, got %d", rec.Code)
	}
}

func TestStreamRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "POST", "/v1/streams", `{"topic":"payments","start":{"type":"Beginning"},"end":{"type":"End"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Unexpected start status %d: %s", rec.Code, rec.Body.String())
	}
	var ssr startStreamResponse
	decodeBody(t, rec, &ssr)
	if ssr.Id == "" {
		t.Fatalf("Missing stream id: %s", rec.Body.String())
	}
	if offset, _ := ssr.StartOffsets.Get("payments", 0); offset != 0 {
		t.Fatalf("Unexpected start offset %d", offset)
	}

	rec = do(t, srv, "GET", "/v1/streams/events?id="+url.QueryEscape(ssr.Id), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected events status %d: %s", rec.Code, rec.Body.String())
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("Expected 5 messages and an end event, got %d lines: %s", len(lines), rec.Body.String())
	}
	for i, line := range lines[:5] {
		var evt streamEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			t.Fatalf("Unmarshal error: %s", err.Error())
		}
		if evt.Message == nil || evt.Message.Offset != int64(i) {
			t.Fatalf("Unexpected event %d: %s", i, line)
		}
	}
	if lines[5] != `{"ended":true}` {
		t.Fatalf("Unexpected end event: %s", lines[5])
	}

	rec = do(t, srv, "GET", "/v1/streams/events?id="+url.QueryEscape(ssr.Id), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 reading a stream twice, got %d", rec.Code)
	}
}

func TestStopStreamRoute(t *testing.T) {
	srv := newTestServer(t)

	rec := do(t, srv, "POST", "/v1/streams", `{"topic":"orders","start":{"type":"End"}}`)
	var ssr startStreamResponse
	decodeBody(t, rec, &ssr)

	rec = do(t, srv, "GET", "/v1/streams", "")
	var sr streamsResponse
	decodeBody(t, rec, &sr)
	if len(sr.Ids) != 1 || sr.Ids[0] != ssr.Id {
		t.Fatalf("Unexpected active streams: %+v", sr)
	}

	body, _ := json.Marshal(&stopStreamRequest{Id: ssr.Id})
	rec = do(t, srv, "POST", "/v1/streams/stop", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("Unexpected stop status %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, "POST", "/v1/streams/stop", string(body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 on second stop, got %d", rec.Code)
	}
	rec = do(t, srv, "POST", "/v1/streams/stop", `{"id":"nonexistent"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown stream, got %d", rec.Code)
	}
}

func TestUnclaimedEventsExpire(t *testing.T) {
	srv := newTestServer(t)
	srv.unclaimedTTL = 10 * time.Millisecond

	rec := do(t, srv, "POST", "/v1/streams", `{"topic":"payments","start":{"type":"Beginning"},"end":{"type":"End"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Unexpected start status %d: %s", rec.Code, rec.Body.String())
	}
	var ssr startStreamResponse
	decodeBody(t, rec, &ssr)

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mtx.Lock()
		_, pending := srv.events[ssr.Id]
		srv.mtx.Unlock()
		if !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Events of ended stream %s never dropped", ssr.Id)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = do(t, srv, "GET", "/v1/streams/events?id="+url.QueryEscape(ssr.Id), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for expired events, got %d", rec.Code)
	}
}
