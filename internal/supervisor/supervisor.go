// SPDX-License-Identifier: MIT

// Package supervisor provides the daemon's top-level OTP-style supervision
// tree (spec.md §4.H, redesigned onto github.com/thejerf/suture/v4): a
// single suture supervisor holding the camera segment workers, each
// restarted independently on failure. The storage tier cleaner is not part
// of this tree; cmd/nvr ticks it from its own goroutine.
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{})
//	sup.Add(&cameraService{cam: cam, root: root, plan: plan})
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface supervised units implement. Run should block
// until ctx is cancelled or the unit hits an unrecoverable error; a normal
// return (nil or non-nil) short of ctx cancellation causes suture to
// restart it with backoff.
type Service interface {
	Run(ctx context.Context) error
	Name() string
}

// ServiceState mirrors the lifecycle suture drives a service through, kept
// for status reporting (internal/health.CameraStatusProvider).
type ServiceState int

const (
	ServiceStateIdle ServiceState = iota
	ServiceStateRunning
	ServiceStateFailed
	ServiceStateStopped
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateRunning:
		return "running"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// ServiceStatus is a point-in-time snapshot of one supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Restarts  int
	LastError error
}

// Config configures a Supervisor.
type Config struct {
	// Logger receives structured supervisor events. Defaults to slog.Default().
	Logger *slog.Logger
	// FailureThreshold/FailureBackoff tune suture's restart intensity (the
	// "restart storm" breaker); zero values take suture's own defaults.
	FailureThreshold float64
	FailureBackoff   time.Duration
}

// Supervisor wraps a suture.Supervisor, adding name-indexed status tracking
// so internal/health can report per-camera state without reaching into
// suture internals.
type Supervisor struct {
	sup *suture.Supervisor
	log *slog.Logger

	mu     sync.Mutex
	status map[string]*ServiceStatus
}

// New creates a Supervisor. Call Add for every service before Run.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Supervisor{
		log:    cfg.Logger,
		status: make(map[string]*ServiceStatus),
	}

	spec := suture.Spec{
		EventHook: s.onEvent,
	}
	if cfg.FailureThreshold > 0 {
		spec.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.FailureBackoff > 0 {
		spec.FailureBackoff = cfg.FailureBackoff
	}

	s.sup = suture.New("nvr", spec)
	return s
}

// Add registers svc with the supervisor. Safe to call before or after Run.
func (s *Supervisor) Add(svc Service) {
	s.mu.Lock()
	s.status[svc.Name()] = &ServiceStatus{Name: svc.Name(), State: ServiceStateIdle}
	s.mu.Unlock()

	s.sup.Add(&suturedService{svc: svc, parent: s})
}

// Status returns a snapshot of every registered service's current state.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServiceStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	return out
}

// Run starts the supervision tree and blocks until ctx is cancelled, then
// waits for every service to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	return s.sup.Serve(ctx)
}

func (s *Supervisor) onEvent(ev suture.Event) {
	switch e := ev.(type) {
	case suture.EventServicePanic:
		s.recordFailure(e.ServiceName, fmt.Errorf("panic: %v", e.PanicMsg))
	case suture.EventServiceTerminate:
		err, _ := e.Err.(error)
		if err == nil && e.Err != nil {
			err = fmt.Errorf("%v", e.Err)
		}
		s.recordFailure(e.ServiceName, err)
	case suture.EventBackoff:
		s.log.Warn("supervisor entered backoff", "supervisor", e.SupervisorName)
	case suture.EventResume:
		s.log.Info("supervisor resumed after backoff", "supervisor", e.SupervisorName)
	}
}

func (s *Supervisor) recordFailure(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &ServiceStatus{Name: name}
		s.status[name] = st
	}
	st.State = ServiceStateFailed
	st.LastError = err
	st.Restarts++
	s.log.Warn("service restarting", "service", name, "restarts", st.Restarts, "error", err)
}

func (s *Supervisor) recordStart(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &ServiceStatus{Name: name}
		s.status[name] = st
	}
	st.State = ServiceStateRunning
	st.StartTime = time.Now()
}

func (s *Supervisor) recordStop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		st.State = ServiceStateStopped
	}
}

// suturedService adapts Service to suture.Service, recording start/stop
// transitions on the parent Supervisor.
type suturedService struct {
	svc    Service
	parent *Supervisor
}

func (s *suturedService) Serve(ctx context.Context) error {
	s.parent.recordStart(s.svc.Name())
	err := s.svc.Run(ctx)
	if ctx.Err() != nil {
		s.parent.recordStop(s.svc.Name())
		return nil
	}
	return err
}

func (s *suturedService) String() string {
	return s.svc.Name()
}
