package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/docextract/constants"
	"github.com/joseph-ayodele/docextract/internal/common"
	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/progress"
)

// Messages on ProgressService are google.protobuf.Struct: requests carry
// {"jobId": "<uuid>"}, responses carry a snapshot with the same camelCase
// keys as the HTTP API.
const (
	progressServiceName = "docextract.v1.ProgressService"
	getProgressMethod   = "/" + progressServiceName + "/GetProgress"
	watchProgressMethod = "/" + progressServiceName + "/WatchProgress"
)

// ProgressServer is the server side of ProgressService.
type ProgressServer interface {
	GetProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchProgress(req *structpb.Struct, stream grpc.ServerStream) error
}

var progressServiceDesc = grpc.ServiceDesc{
	ServiceName: progressServiceName,
	HandlerType: (*ProgressServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GetProgress",
		Handler:    getProgressHandler,
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchProgress",
		Handler:       watchProgressHandler,
		ServerStreams: true,
	}},
	Metadata: "docextract/v1/progress.proto",
}

func getProgressHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProgressServer).GetProgress(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getProgressMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProgressServer).GetProgress(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchProgressHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ProgressServer).WatchProgress(in, stream)
}

// RegisterProgressServer registers srv on s.
func RegisterProgressServer(s grpc.ServiceRegistrar, srv ProgressServer) {
	s.RegisterService(&progressServiceDesc, srv)
}

// ProgressService serves snapshots from the same Streamer as the HTTP sinks.
type ProgressService struct {
	streamer *progress.Streamer
	logger   *slog.Logger
}

var _ ProgressServer = (*ProgressService)(nil)

func NewProgressService(streamer *progress.Streamer, logger *slog.Logger) *ProgressService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressService{streamer: streamer, logger: logger}
}

func (s *ProgressService) GetProgress(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := jobIDFrom(req)
	if err != nil {
		return nil, err
	}
	snap, err := s.streamer.Current(ctx, id)
	if err != nil {
		return nil, common.GRPCError(err)
	}
	return snapshotToStruct(snap)
}

func (s *ProgressService) WatchProgress(req *structpb.Struct, stream grpc.ServerStream) error {
	id, err := jobIDFrom(req)
	if err != nil {
		return err
	}
	sink := progress.SinkFunc(func(_ context.Context, snap entity.Snapshot) error {
		msg, err := snapshotToStruct(snap)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})
	reason, err := s.streamer.Stream(stream.Context(), id, sink)
	if err != nil {
		return common.GRPCError(err)
	}
	s.logger.Debug("grpc progress stream closed", "job_id", id, "reason", reason)
	if reason == progress.EndDisplaced {
		return status.Error(codes.Aborted, "displaced by a newer subscriber")
	}
	return nil
}

func jobIDFrom(req *structpb.Struct) (uuid.UUID, error) {
	raw := req.GetFields()["jobId"].GetStringValue()
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "jobId must be a UUID")
	}
	return id, nil
}

func snapshotToStruct(s entity.Snapshot) (*structpb.Struct, error) {
	m := map[string]any{
		"jobId":     s.JobID.String(),
		"stage":     string(s.Stage),
		"stageText": s.StageText,
		"progress":  s.Progress,
	}
	if s.CurrentFile != "" {
		m["currentFile"] = s.CurrentFile
	}
	if s.ErrorMessage != "" {
		m["errorMessage"] = s.ErrorMessage
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func structToSnapshot(st *structpb.Struct) (entity.Snapshot, error) {
	f := st.GetFields()
	id, err := uuid.Parse(f["jobId"].GetStringValue())
	if err != nil {
		return entity.Snapshot{}, fmt.Errorf("snapshot jobId: %w", err)
	}
	return entity.Snapshot{
		JobID:        id,
		Stage:        constants.Stage(f["stage"].GetStringValue()),
		StageText:    f["stageText"].GetStringValue(),
		Progress:     int(f["progress"].GetNumberValue()),
		CurrentFile:  f["currentFile"].GetStringValue(),
		ErrorMessage: f["errorMessage"].GetStringValue(),
	}, nil
}

// ProgressClient calls ProgressService over a client connection.
type ProgressClient struct {
	cc grpc.ClientConnInterface
}

func NewProgressClient(cc grpc.ClientConnInterface) *ProgressClient {
	return &ProgressClient{cc: cc}
}

func jobRequest(id uuid.UUID) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"jobId": structpb.NewStringValue(id.String()),
	}}
}

func (c *ProgressClient) Get(ctx context.Context, id uuid.UUID) (entity.Snapshot, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getProgressMethod, jobRequest(id), out); err != nil {
		return entity.Snapshot{}, err
	}
	return structToSnapshot(out)
}

// Watch calls fn for every snapshot until the server ends the stream.
func (c *ProgressClient) Watch(ctx context.Context, id uuid.UUID, fn func(entity.Snapshot)) error {
	stream, err := c.cc.NewStream(ctx, &progressServiceDesc.Streams[0], watchProgressMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(jobRequest(id)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		snap, err := structToSnapshot(msg)
		if err != nil {
			return err
		}
		fn(snap)
	}
}

// NewGRPCServer builds a gRPC server with ProgressService, health and
// reflection registered.
func NewGRPCServer(svc *ProgressService, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryLogger(logger)),
		grpc.ChainStreamInterceptor(streamLogger(logger)),
	)
	RegisterProgressServer(s, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(progressServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s)
	return s, hs
}

func unaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call", "method", info.FullMethod, "code", status.Code(err), "duration_ms", time.Since(start).Milliseconds())
		return resp, err
	}
}

func streamLogger(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logger.Debug("grpc stream", "method", info.FullMethod, "code", status.Code(err), "duration_ms", time.Since(start).Milliseconds())
		return err
	}
}
