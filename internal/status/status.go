// Package status serves the owner-facing, read-only view of a running host.
//
// The JSON-RPC 2.0 endpoint at /rpc exposes two services:
//
//	status.ListInstances, status.GetInstance, status.ListExecutions
//	incidents.List
//
// /metrics serves Prometheus metrics and /healthz checks the host store.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/store"
)

// ErrCodeNotFound is the JSON-RPC error code for an unknown instance.
const ErrCodeNotFound json2.ErrorCode = -32004

// DefaultLimit bounds list replies when the caller does not.
const DefaultLimit = 100

// Reader is the read side of the host store. *store.Store implements it.
type Reader interface {
	ListInstances(ctx context.Context) ([]ir.DaemonInstance, error)
	GetInstance(ctx context.Context, id string) (ir.DaemonInstance, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (ir.InstanceStatus, error)
	GetCursor(ctx context.Context, instanceID string) (ir.Cursor, bool, error)
	ListExecutions(ctx context.Context, instanceID string, limit int) ([]ir.ExecutionRecord, error)
	ListIncidents(ctx context.Context, f store.IncidentFilter) ([]ir.Incident, error)
	Ping(ctx context.Context) error
}

// InstanceView is an instance together with its scheduling state.
type InstanceView struct {
	ID                 string           `json:"id"`
	ModuleID           string           `json:"module_id"`
	Chain              string           `json:"chain"`
	Address            string           `json:"address,omitempty"`
	StartBlock         uint64           `json:"start_block"`
	State              ir.InstanceState `json:"state"`
	LastProcessedBlock *uint64          `json:"last_processed_block,omitempty"`
	Failures           int              `json:"failures"`
	LastErrorClass     string           `json:"last_error_class,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	NextAttemptAt      *time.Time       `json:"next_attempt_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Describe builds the view of one instance.
func Describe(ctx context.Context, r Reader, inst ir.DaemonInstance) (InstanceView, error) {
	v := InstanceView{
		ID:         inst.ID,
		ModuleID:   inst.ModuleID,
		Chain:      inst.Chain,
		Address:    inst.Address,
		StartBlock: inst.StartBlock,
		State:      ir.StateIdle,
	}
	st, err := r.GetInstanceStatus(ctx, inst.ID)
	switch {
	case err == nil:
		v.State = st.State
		v.Failures = st.Failures
		v.LastErrorClass = st.LastErrorClass
		v.LastError = st.LastError
		v.NextAttemptAt = st.NextAttemptAt
		v.UpdatedAt = st.UpdatedAt
	case !errors.Is(err, store.ErrNotFound):
		return InstanceView{}, err
	}

	c, ok, err := r.GetCursor(ctx, inst.ID)
	if err != nil {
		return InstanceView{}, err
	}
	if ok {
		last := c.LastProcessedBlock
		v.LastProcessedBlock = &last
	}
	return v, nil
}

// Service is the "status" RPC service.
type Service struct {
	reader Reader
}

// ListInstancesArgs are the arguments to status.ListInstances.
type ListInstancesArgs struct{}

// ListInstancesReply is the reply to status.ListInstances.
type ListInstancesReply struct {
	Instances []InstanceView `json:"instances"`
}

// ListInstances returns every instance, including those of retired modules.
func (s *Service) ListInstances(r *http.Request, _ *ListInstancesArgs, reply *ListInstancesReply) error {
	instances, err := s.reader.ListInstances(r.Context())
	if err != nil {
		return err
	}
	reply.Instances = make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		v, err := Describe(r.Context(), s.reader, inst)
		if err != nil {
			return err
		}
		reply.Instances = append(reply.Instances, v)
	}
	return nil
}

// GetInstanceArgs are the arguments to status.GetInstance.
type GetInstanceArgs struct {
	ID string `json:"id"`
}

// GetInstanceReply is the reply to status.GetInstance.
type GetInstanceReply struct {
	Instance InstanceView `json:"instance"`
}

// GetInstance returns one instance.
func (s *Service) GetInstance(r *http.Request, args *GetInstanceArgs, reply *GetInstanceReply) error {
	inst, err := s.reader.GetInstance(r.Context(), args.ID)
	if err != nil {
		return rpcError(err)
	}
	reply.Instance, err = Describe(r.Context(), s.reader, inst)
	return err
}

// ListExecutionsArgs are the arguments to status.ListExecutions.
type ListExecutionsArgs struct {
	InstanceID string `json:"instance_id"`
	Limit      int    `json:"limit,omitempty"`
}

// ListExecutionsReply is the reply to status.ListExecutions.
type ListExecutionsReply struct {
	Executions []ir.ExecutionRecord `json:"executions"`
}

// ListExecutions returns an instance's most recent execution records,
// oldest first.
func (s *Service) ListExecutions(r *http.Request, args *ListExecutionsArgs, reply *ListExecutionsReply) error {
	if _, err := s.reader.GetInstance(r.Context(), args.InstanceID); err != nil {
		return rpcError(err)
	}
	recs, err := s.reader.ListExecutions(r.Context(), args.InstanceID, limit(args.Limit))
	if err != nil {
		return err
	}
	reply.Executions = recs
	return nil
}

// IncidentService is the "incidents" RPC service.
type IncidentService struct {
	reader Reader
}

// ListIncidentsArgs are the arguments to incidents.List.
type ListIncidentsArgs struct {
	InstanceID string `json:"instance_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ListIncidentsReply is the reply to incidents.List.
type ListIncidentsReply struct {
	Incidents []ir.Incident `json:"incidents"`
}

// List returns incidents, optionally for one instance.
func (s *IncidentService) List(r *http.Request, args *ListIncidentsArgs, reply *ListIncidentsReply) error {
	incidents, err := s.reader.ListIncidents(r.Context(), store.IncidentFilter{
		InstanceID: args.InstanceID,
		Limit:      limit(args.Limit),
	})
	if err != nil {
		return err
	}
	reply.Incidents = incidents
	return nil
}

func limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

func rpcError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &json2.Error{Code: ErrCodeNotFound, Message: err.Error()}
	}
	return err
}

// NewHandler returns the HTTP handler for /rpc, /metrics and /healthz.
func NewHandler(r Reader, m *metrics.Metrics) (http.Handler, error) {
	server := rpc.NewServer()
	codec := json2.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")
	if err := server.RegisterService(&Service{reader: r}, "status"); err != nil {
		return nil, fmt.Errorf("register status service: %w", err)
	}
	if err := server.RegisterService(&IncidentService{reader: r}, "incidents"); err != nil {
		return nil, fmt.Errorf("register incidents service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := r.Ping(req.Context()); err != nil {
			http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux, nil
}

// Server runs the status surface on an address.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
}

// NewServer creates a server for addr.
func NewServer(addr string, r Reader, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	h, err := NewHandler(r, m)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, handler: h, logger: logger}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		s.logger.Info("status server stopped")
		return nil
	}
}
