// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package serve

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/lachlanorr/kscope/pkg/app"
	"github.com/lachlanorr/kscope/pkg/kscope"
)

const (
	ServiceName     = "kscope"
	shutdownTimeout = 5 * time.Second

	// how long the events of an ended stream wait for a reader
	unclaimedTTL = time.Minute
)

// Server exposes the App over HTTP through a grpc-gateway mux, plus a
// gRPC listener carrying the health and reflection services.
type Server struct {
	app      *app.App
	httpAddr string
	grpcAddr string

	mux    *runtime.ServeMux
	health *health.Server

	// event channels of started streams not yet claimed by a reader
	events       map[string]<-chan kscope.StreamEvent
	unclaimedTTL time.Duration
	mtx          sync.Mutex
}

func NewServer(app *app.App, httpAddr string, grpcAddr string) (*Server, error) {
	srv := &Server{
		app:      app,
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		health:   health.NewServer(),
		events:   make(map[string]<-chan kscope.StreamEvent),

		unclaimedTTL: unclaimedTTL,
	}
	srv.mux = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				UseProtoNames:   true,
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		}),
		runtime.WithMarshalerOption("application/json+pretty", &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				Indent:          "  ",
				Multiline:       true,
				UseProtoNames:   true,
				EmitUnpopulated: true,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{
				DiscardUnknown: true,
			},
		}),
	)
	if err := srv.registerRoutes(); err != nil {
		return nil, err
	}
	srv.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv, nil
}

func prettyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// checking Values as map[string][]string also catches ?pretty and ?pretty=
		// r.URL.Query().Get("pretty") would not.
		if _, ok := r.URL.Query()["pretty"]; ok {
			r.Header.Set("Accept", "application/json+pretty")
		}
		h.ServeHTTP(w, r)
	})
}

func (srv *Server) Handler() http.Handler {
	return prettyHandler(srv.mux)
}

// Serve blocks until ctx is done or either listener fails. Live streams
// are stopped on the way out.
func (srv *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", srv.grpcAddr)
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, srv.health)
	reflection.Register(grpcServer)

	httpServer := &http.Server{
		Addr:    srv.httpAddr,
		Handler: srv.Handler(),
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		log.Info().
			Str("Address", srv.grpcAddr).
			Msg("gRPC server started")
		return grpcServer.Serve(lis)
	})
	grp.Go(func() error {
		log.Info().
			Str("Address", srv.httpAddr).
			Msg("HTTP server started")
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	grp.Go(func() error {
		<-ctx.Done()
		srv.health.Shutdown()
		srv.app.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		log.Info().
			Msg("Servers stopped")
		return err
	})
	return grp.Wait()
}

func (srv *Server) putEvents(id string, events <-chan kscope.StreamEvent) {
	srv.mtx.Lock()
	srv.events[id] = events
	srv.mtx.Unlock()

	done, ok := srv.app.StreamDone(id)
	if !ok {
		srv.expireEvents(id)
		return
	}
	go func() {
		<-done
		srv.expireEvents(id)
	}()
}

// expireEvents drops the channel of an ended stream if no reader claimed
// it within unclaimedTTL.
func (srv *Server) expireEvents(id string) {
	time.AfterFunc(srv.unclaimedTTL, func() {
		if events, ok := srv.takeEvents(id); ok {
			discard(events)
			log.Debug().
				Str("Session", id).
				Msg("Unclaimed stream events dropped")
		}
	})
}

// takeEvents hands the channel of id to exactly one caller.
func (srv *Server) takeEvents(id string) (<-chan kscope.StreamEvent, bool) {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	events, ok := srv.events[id]
	if ok {
		delete(srv.events, id)
	}
	return events, ok
}

func discard(events <-chan kscope.StreamEvent) {
	for range events {
	}
}
