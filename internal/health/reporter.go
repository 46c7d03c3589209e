// Package health exposes breaker state and mode usability over the
// standard gRPC health checking protocol.
//
// The overall service ("") reports SERVING while the current mode is
// usable. Each governor key registered with the reporter is a named
// service that reports NOT_SERVING while its breaker is open.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/signsync/internal/failure"
	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/timeutil"
)

var log = monitoring.Component("health")

// ModeStatus reports whether the pipeline can accept work.
type ModeStatus interface {
	Usable() bool
}

// Config configures the reporter.
type Config struct {
	ListenAddr string
	// Keys are the governor keys published as named services.
	Keys []string
	// Interval is how often Run refreshes the statuses.
	Interval time.Duration
}

// Reporter mirrors governor and orchestrator state into a gRPC health
// server.
type Reporter struct {
	cfg    Config
	gov    *failure.Governor
	status ModeStatus
	clock  timeutil.Clock
	health *grpchealth.Server

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewReporter returns a reporter; call Start to serve it.
func NewReporter(cfg Config, gov *failure.Governor, status ModeStatus, clock timeutil.Clock) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	r := &Reporter{
		cfg:    cfg,
		gov:    gov,
		status: status,
		clock:  timeutil.OrReal(clock),
		health: grpchealth.NewServer(),
	}
	r.Refresh()
	return r
}

// Server returns the underlying health service.
func (r *Reporter) Server() healthpb.HealthServer { return r.health }

// Refresh recomputes every status.
func (r *Reporter) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING
	if r.status != nil && !r.status.Usable() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.health.SetServingStatus("", overall)

	for _, key := range r.cfg.Keys {
		st := healthpb.HealthCheckResponse_SERVING
		if !r.gov.IsServiceAvailable(key) {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		r.health.SetServingStatus(key, st)
	}
}

// Start binds the listener and serves in the background.
func (r *Reporter) Start() error {
	if r.running.Load() {
		return fmt.Errorf("health reporter already running")
	}
	lis, err := net.Listen("tcp", r.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.listener = lis
	r.server = grpc.NewServer()
	healthpb.RegisterHealthServer(r.server, r.health)
	r.running.Store(true)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Ops().Str("addr", lis.Addr().String()).Msg("health server listening")
		if err := r.server.Serve(lis); err != nil && r.running.Load() {
			log.Error().Err(err).Msg("health server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (r *Reporter) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Run refreshes the statuses every Interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	t := r.clock.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			r.Refresh()
		}
	}
}

// Stop shuts the server down and marks every service NOT_SERVING.
func (r *Reporter) Stop() {
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	r.health.Shutdown()
	r.server.GracefulStop()
	r.wg.Wait()
	log.Ops().Msg("health server stopped")
}
