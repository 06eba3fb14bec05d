// Package grpcserver exposes the alignment pipeline as the montage.v1.Aligner
// gRPC service. Requests and responses are google.protobuf.Struct values
// carrying the same JSON shapes as the HTTP API.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"montage/internal/pipeline"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "montage.v1.Aligner"

// AlignerServer is the server API of montage.v1.Aligner.
type AlignerServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AlignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "montage/v1/aligner.proto",
}

func unary(method string, call func(AlignerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AlignerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AlignerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	submitHandler = unary("Submit", AlignerServer.Submit)
	statusHandler = unary("Status", AlignerServer.Status)
)

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AlignerServer).Watch(in, stream)
}

// Server implements AlignerServer on a pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	health   *health.Server
}

// New returns a server for pipe.
func New(pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{pipeline: pipe, log: log, health: health.NewServer()}
}

// Register adds the aligner and health services to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	gs := grpc.NewServer()
	s.Register(gs)

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		gs.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", listen.Addr().String())
	return gs.Serve(listen)
}

func (s *Server) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var job pipeline.Job
	if err := fromStruct(in, &job); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid job: %v", err)
	}
	if job.InputPath == "" {
		return nil, status.Error(codes.InvalidArgument, "input project is required")
	}
	if !knownType(job.Type) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type: %s", job.Type)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := s.pipeline.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		if errors.Is(err, pipeline.ErrStopped) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"id": job.ID})
}

func (s *Server) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	st, ok := s.pipeline.Status(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %q not found", id)
	}
	return toStruct(st)
}

// Watch streams job results. With an "id" field the stream ends after that
// job's result.
func (s *Server) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	only := in.GetFields()["id"].GetStringValue()
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	if only != "" {
		// The job may have finished before the subscription.
		if st, ok := s.pipeline.Status(only); ok && st.Finished != nil {
			out, err := toStruct(st)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return stream.SendMsg(out)
		}
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			if only != "" && res.Job.ID != only {
				continue
			}
			st, _ := s.pipeline.Status(res.Job.ID)
			out, err := toStruct(st)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
			if only != "" {
				return nil
			}
		}
	}
}

func knownType(t pipeline.JobType) bool {
	for _, k := range pipeline.JobTypes {
		if k == t {
			return true
		}
	}
	return false
}

// toStruct goes through JSON so struct tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
