package metric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/factorial/internal/experiment"
	"github.com/banshee-data/factorial/internal/monitoring"
)

var logf = monitoring.Component("metric")

const (
	serviceName     = "factorial.metric.v1.MetricService"
	fetchArmMethod  = "/" + serviceName + "/FetchArm"
	maxMessageBytes = 4 * 1024 * 1024
)

// armServer is the handler type of the metric service.
type armServer interface {
	fetchArm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var metricServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*armServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "FetchArm",
		Handler:    fetchArmHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "factorial/metric/v1/metric.proto",
}

func fetchArmHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(armServer).fetchArm(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchArmMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(armServer).fetchArm(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server exposes an ArmFetcher over gRPC. Space is required: incoming JSON
// numbers are coerced to the declared parameter types so that arms match the
// caller's signatures and simulation streams.
type Server struct {
	Fetcher ArmFetcher
	Space   *experiment.SearchSpace

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// Register adds the metric service to an existing gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&metricServiceDesc, s)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	if s.running.Load() {
		return fmt.Errorf("metric server already running")
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if s.Fetcher == nil || s.Space == nil {
		return fmt.Errorf("metric server needs a fetcher and a search space")
	}
	s.listener = lis
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
	)
	s.Register(s.server)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logf("gRPC server listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.server.GracefulStop()
	s.wg.Wait()
	logf("gRPC server stopped")
}

func (s *Server) fetchArm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	metric, _ := fields["metric"].(string)
	name, _ := fields["arm_name"].(string)
	trialIndex, _ := fields["trial_index"].(float64)
	weight, _ := fields["weight"].(float64)
	params, _ := fields["parameters"].(map[string]interface{})
	statusQuo, _ := fields["status_quo"].(bool)
	if metric == "" || params == nil {
		return nil, status.Error(codes.InvalidArgument, "metric and parameters are required")
	}

	if s.Space == nil {
		return nil, status.Error(codes.FailedPrecondition, "metric server has no search space")
	}
	arm, err := s.Space.NewOutOfDesignArm(params)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ta := experiment.TrialArm{Name: name, Arm: arm, Weight: weight, StatusQuo: statusQuo}
	r, err := s.Fetcher.FetchArm(ctx, metric, int(trialIndex), ta, weight)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Canceled, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]interface{}{
		"mean": r.Mean,
		"sem":  r.SEM,
		"n":    float64(r.N),
	})
}

// Remote is an ArmFetcher that calls a metric service over gRPC.
type Remote struct {
	Conn grpc.ClientConnInterface
}

// NewRemote wraps a gRPC connection into an Adapter for metric.
func NewRemote(metric string, conn grpc.ClientConnInterface, concurrency int) *Parallel {
	return &Parallel{Metric: metric, Fetcher: &Remote{Conn: conn}, Concurrency: concurrency}
}

func (r *Remote) FetchArm(ctx context.Context, metric string, trialIndex int, arm experiment.TrialArm, weight float64) (experiment.Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"metric":      metric,
		"trial_index": trialIndex,
		"arm_name":    arm.Name,
		"weight":      weight,
		"status_quo":  arm.StatusQuo,
		"parameters":  arm.Arm.Parameters(),
	})
	if err != nil {
		return experiment.Result{}, fmt.Errorf("encoding request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := r.Conn.Invoke(ctx, fetchArmMethod, req, resp); err != nil {
		return experiment.Result{}, fromStatus(err)
	}
	fields := resp.AsMap()
	mean, okMean := fields["mean"].(float64)
	sem, okSEM := fields["sem"].(float64)
	n, _ := fields["n"].(float64)
	if !okMean || !okSEM {
		return experiment.Result{}, fmt.Errorf("%w: response lacks mean or sem", experiment.ErrInvalidObservation)
	}
	return experiment.Result{Mean: mean, SEM: sem, N: int64(n)}, nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", experiment.ErrAdapterFailure, err)
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("remote metric: %w", context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("remote metric: %w", context.DeadlineExceeded)
	default:
		return fmt.Errorf("%w: %s: %s", experiment.ErrAdapterFailure, st.Code(), st.Message())
	}
}
