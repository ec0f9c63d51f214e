// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package serve

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lachlanorr/kscope/pkg/admin"
	"github.com/lachlanorr/kscope/pkg/config"
	"github.com/lachlanorr/kscope/pkg/groups"
	"github.com/lachlanorr/kscope/pkg/kscope"
)

var errBadRequest = errors.New("bad request")

type clusterResponse struct {
	Current  config.ClusterConfig   `json:"current"`
	Clusters []config.ClusterConfig `json:"clusters"`
}

type setClusterRequest struct {
	Name string `json:"name"`
}

type topicConfigsResponse struct {
	Topic   string                 `json:"topic"`
	Configs []admin.ConfigProperty `json:"configs"`
}

type createTopicRequest struct {
	Topic             string            `json:"topic"`
	Partitions        int               `json:"partitions"`
	ReplicationFactor int               `json:"replication_factor"`
	Config            map[string]string `json:"config"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type groupsResponse struct {
	Groups []groups.ConsumerGroup `json:"groups"`
}

type groupOffsetsResponse struct {
	Group  string                                  `json:"group"`
	Topics []kscope.ConsumerGroupOffsetDescription `json:"topics"`
}

type createGroupOffsetsRequest struct {
	Topics       []string             `json:"topics"`
	Initial      kscope.OffsetRequest `json:"initial"`
	FailIfExists bool                 `json:"fail_if_exists"`
}

type startStreamRequest struct {
	Topic string                `json:"topic"`
	Start kscope.OffsetRequest  `json:"start"`
	End   *kscope.OffsetRequest `json:"end,omitempty"`
}

type startStreamResponse struct {
	Id           string                    `json:"id"`
	StartOffsets kscope.PartitionOffsetMap `json:"start_offsets"`
}

type streamsResponse struct {
	Ids []string `json:"ids"`
}

type stopStreamRequest struct {
	Id string `json:"id"`
}

type streamEvent struct {
	Message *kscope.MessageEnvelope `json:"message,omitempty"`
	Ended   bool                    `json:"ended,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

func (srv *Server) registerRoutes() error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/healthz", srv.getHealth},
		{"GET", "/v1/cluster", srv.getCluster},
		{"PUT", "/v1/cluster", srv.setCluster},
		{"GET", "/v1/topics", srv.getTopics},
		{"POST", "/v1/topics", srv.createTopic},
		{"DELETE", "/v1/topics/{topic}", srv.deleteTopic},
		{"GET", "/v1/topics/{topic}/configs", srv.getTopicConfigs},
		{"PATCH", "/v1/topics/{topic}/configs", srv.alterTopicConfigs},
		{"GET", "/v1/groups", srv.getGroups},
		{"DELETE", "/v1/groups/{group}", srv.deleteGroup},
		{"GET", "/v1/groups/{group}/offsets", srv.getGroupOffsets},
		{"POST", "/v1/groups/{group}/offsets", srv.createGroupOffsets},
		{"GET", "/v1/streams", srv.getStreams},
		{"POST", "/v1/streams", srv.startStream},
		{"POST", "/v1/streams/stop", srv.stopStream},
		{"GET", "/v1/streams/events", srv.getStreamEvents},
	}
	for _, rt := range routes {
		if err := srv.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("HandlePath %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// httpStatus maps error kinds onto an HTTP status and the gRPC code carried
// in the error body.
func httpStatus(err error) (int, codes.Code) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, codes.InvalidArgument
	case errors.Is(err, kscope.ErrSessionNotFound), errors.Is(err, kscope.ErrTopicNotFound):
		return http.StatusNotFound, codes.NotFound
	case errors.Is(err, kscope.ErrSessionConflict), errors.Is(err, kscope.ErrGroupExists):
		return http.StatusConflict, codes.AlreadyExists
	case errors.Is(err, kscope.ErrConnection),
		errors.Is(err, kscope.ErrMetadata),
		errors.Is(err, kscope.ErrResolution),
		errors.Is(err, kscope.ErrCommit),
		errors.Is(err, kscope.ErrFetch),
		errors.Is(err, kscope.ErrAdmin):
		return http.StatusBadGateway, codes.Unavailable
	default:
		return http.StatusInternalServerError, codes.Internal
	}
}

func (srv *Server) respond(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	_, outbound := runtime.MarshalerForRequest(srv.mux, r)
	buf, err := outbound.Marshal(v)
	if err != nil {
		log.Error().
			Err(err).
			Str("Path", r.URL.Path).
			Msg("Response marshal failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", outbound.ContentType(v))
	w.WriteHeader(code)
	if _, err := w.Write(buf); err != nil {
		log.Warn().
			Err(err).
			Str("Path", r.URL.Path).
			Msg("Response write failed")
	}
}

func (srv *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	httpCode, grpcCode := httpStatus(err)
	if httpCode >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("Method", r.Method).
			Str("Path", r.URL.Path).
			Msg("Request failed")
	}
	srv.respond(w, r, httpCode, status.New(grpcCode, err.Error()).Proto())
}

func (srv *Server) decode(r *http.Request, v interface{}) error {
	inbound, _ := runtime.MarshalerForRequest(srv.mux, r)
	if err := inbound.NewDecoder(r.Body).Decode(v); err != nil {
		return kscope.NewError(errBadRequest, err, "request body")
	}
	return nil
}

func (srv *Server) getHealth(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := srv.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		srv.respond(w, r, http.StatusServiceUnavailable, status.Convert(err).Proto())
		return
	}
	srv.respond(w, r, http.StatusOK, resp)
}

func (srv *Server) getCluster(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	srv.respond(w, r, http.StatusOK, &clusterResponse{
		Current:  srv.app.CurrentCluster(),
		Clusters: srv.app.Clusters(),
	})
}

func (srv *Server) setCluster(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req setClusterRequest
	if err := srv.decode(r, &req); err != nil {
		srv.respondError(w, r, err)
		return
	}
	if _, err := srv.app.SetCurrentCluster(req.Name); err != nil {
		srv.respondError(w, r, kscope.NewError(errBadRequest, err, "cluster"))
		return
	}
	srv.getCluster(w, r, nil)
}

func (srv *Server) getTopics(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	topics := srv.app.Topics
	if _, ok := r.URL.Query()["refresh"]; ok {
		topics = srv.app.RefreshTopics
	}
	cmd, err := topics(r.Context())
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusOK, cmd)
}

func (srv *Server) createTopic(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req createTopicRequest
	if err := srv.decode(r, &req); err != nil {
		srv.respondError(w, r, err)
		return
	}
	if req.Topic == "" {
		srv.respondError(w, r, kscope.NewError(errBadRequest, nil, "topic is required"))
		return
	}
	if req.Partitions == 0 {
		req.Partitions = 1
	}
	name, err := srv.app.CreateTopic(r.Context(), req.Topic, req.Partitions, req.ReplicationFactor, req.Config)
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusCreated, &statusResponse{Status: fmt.Sprintf("Topic %s created", name)})
}

func (srv *Server) deleteTopic(w http.ResponseWriter, r *http.Request, params map[string]string) {
	msg, err := srv.app.DeleteTopic(r.Context(), params["topic"])
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusOK, &statusResponse{Status: msg})
}

func (srv *Server) getTopicConfigs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	props, err := srv.app.TopicConfigs(r.Context(), params["topic"])
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusOK, &topicConfigsResponse{Topic: params["topic"], Configs: props})
}

// alterTopicConfigs takes a flat JSON object. Numbers and booleans are
// accepted and sent in their JSON text form.
func (srv *Server) alterTopicConfigs(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var body structpb.Struct
	if err := srv.decode(r, &body); err != nil {
		srv.respondError(w, r, err)
		return
	}
	updates := make(map[string]string, len(body.Fields))
	for name, val := range body.Fields {
		switch kind := val.Kind.(type) {
		case *structpb.Value_StringValue:
			updates[name] = kind.StringValue
		case *structpb.Value_NumberValue:
			updates[name] = fmt.Sprintf("%.0f", kind.NumberValue)
		case *structpb.Value_BoolValue:
			updates[name] = fmt.Sprintf("%t", kind.BoolValue)
		case *structpb.Value_NullValue:
			updates[name] = ""
		default:
			srv.respondError(w, r, kscope.NewError(errBadRequest, nil, "config %s must be a scalar", name))
			return
		}
	}
	if err := srv.app.AlterTopicConfigs(r.Context(), params["topic"], updates); err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.getTopicConfigs(w, r, params)
}

func (srv *Server) getGroups(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	grps, err := srv.app.Groups(r.Context())
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusOK, &groupsResponse{Groups: grps})
}

func (srv *Server) deleteGroup(w http.ResponseWriter, r *http.Request, params map[string]string) {
	msg, err := srv.app.DeleteGroup(r.Context(), params["group"])
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusOK, &statusResponse{Status: msg})
}

func (srv *Server) getGroupOffsets(w http.ResponseWriter, r *http.Request, params map[string]string) {
	descs, err := srv.app.GroupOffsets(r.Context(), params["group"])
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.respond(w, r, http.StatusOK, &groupOffsetsResponse{Group: params["group"], Topics: descs})
}

func (srv *Server) createGroupOffsets(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req createGroupOffsetsRequest
	if err := srv.decode(r, &req); err != nil {
		srv.respondError(w, r, err)
		return
	}
	if len(req.Topics) == 0 {
		srv.respondError(w, r, kscope.NewError(errBadRequest, nil, "topics are required"))
		return
	}
	err := srv.app.CreateGroupOffsets(
		r.Context(),
		params["group"],
		req.Topics,
		req.Initial,
		groups.CreateGroupOptions{FailIfExists: req.FailIfExists},
	)
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.getGroupOffsets(w, r, params)
}

func (srv *Server) getStreams(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	srv.respond(w, r, http.StatusOK, &streamsResponse{Ids: srv.app.ActiveStreams()})
}

func (srv *Server) startStream(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req startStreamRequest
	if err := srv.decode(r, &req); err != nil {
		srv.respondError(w, r, err)
		return
	}
	if req.Topic == "" {
		srv.respondError(w, r, kscope.NewError(errBadRequest, nil, "topic is required"))
		return
	}

	// the session outlives this request, it is bound to the app
	id, startOffsets, events, err := srv.app.StartStream(r.Context(), req.Topic, req.Start, req.End)
	if err != nil {
		srv.respondError(w, r, err)
		return
	}
	srv.putEvents(id, events)
	srv.respond(w, r, http.StatusCreated, &startStreamResponse{Id: id, StartOffsets: startOffsets})
}

func (srv *Server) stopStream(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req stopStreamRequest
	if err := srv.decode(r, &req); err != nil {
		srv.respondError(w, r, err)
		return
	}
	if err := srv.app.StopStream(req.Id); err != nil {
		srv.respondError(w, r, err)
		return
	}
	// nobody will read these, let the session finish
	if events, ok := srv.takeEvents(req.Id); ok {
		go discard(events)
	}
	srv.respond(w, r, http.StatusOK, &statusResponse{Status: fmt.Sprintf("Stream %s stopped", req.Id)})
}

// getStreamEvents writes one JSON object per line until the Ended event.
// A stream can be read once. A reader disconnecting stops the stream.
func (srv *Server) getStreamEvents(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	id := r.URL.Query().Get("id")
	events, ok := srv.takeEvents(id)
	if !ok {
		srv.respondError(w, r, kscope.NewError(kscope.ErrSessionNotFound, nil, "%s", id))
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	compact := &runtime.JSONPb{}
	for {
		select {
		case <-r.Context().Done():
			_ = srv.app.StopStream(id)
			go discard(events)
			log.Info().
				Str("Session", id).
				Msg("Event reader went away, stream stopped")
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			out := streamEvent{Message: evt.Message, Ended: evt.Ended}
			if evt.Err != nil {
				out.Error = evt.Err.Error()
			}
			buf, err := compact.Marshal(&out)
			if err != nil {
				log.Error().
					Err(err).
					Str("Session", id).
					Msg("Event marshal failed")
				continue
			}
			buf = append(buf, '\n')
			if _, err := w.Write(buf); err != nil {
				_ = srv.app.StopStream(id)
				go discard(events)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
