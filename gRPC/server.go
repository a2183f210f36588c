package proto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"FaceTrackServer/dispatch"
	"FaceTrackServer/pipeline"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Controller is the pipeline surface the service drives.
type Controller interface {
	Status() []pipeline.Status
	Reinitialize(kind pipeline.Kind) <-chan error
	UpdateFilterConfig(kind pipeline.Kind, groups []pipeline.FilterGroupSettings) error
}

type Server struct {
	Ctrl      Controller
	Broker    *dispatch.Broker
	ModelsDir string
	// OnShutdown runs on its own goroutine after a Shutdown call returns.
	OnShutdown func()
	// WaitReinit blocks Reinitialize until the load finishes.
	WaitReinit bool
	Log        *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// UpdateStruct converts an update to its wire form: {seq, ts (RFC3339Nano), params}.
func UpdateStruct(u dispatch.Update) (*structpb.Struct, error) {
	params := make(map[string]any, len(u.Params))
	for k, v := range u.Params {
		params[k] = float64(v)
	}
	return structpb.NewStruct(map[string]any{
		"seq":    float64(u.Seq),
		"ts":     u.Timestamp().UTC().Format(time.RFC3339Nano),
		"params": params,
	})
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func (s *Server) Subscribe(_ *emptypb.Empty, stream ExpressionService_SubscribeServer) error {
	if s.Broker == nil {
		return status.Error(codes.Unavailable, "no expression source")
	}
	updates, cancel := s.Broker.Subscribe()
	defer cancel()
	ctx := stream.Context()
	s.log().Info("subscriber attached", zap.Int("subscribers", s.Broker.Subscribers()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			msg, err := UpdateStruct(u)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(map[string]any{"pipelines": s.Ctrl.Status()})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Latest(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.Broker == nil {
		return nil, status.Error(codes.Unavailable, "no expression source")
	}
	u, ok := s.Broker.Latest()
	if !ok {
		return nil, status.Error(codes.NotFound, "no expressions yet")
	}
	out, err := UpdateStruct(u)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func parseKind(name string) (pipeline.Kind, error) {
	switch k := pipeline.Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case pipeline.Face, pipeline.Eye:
		return k, nil
	}
	return "", status.Errorf(codes.InvalidArgument, "unknown pipeline %q", name)
}

func (s *Server) Reinitialize(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	kind, err := parseKind(req.GetValue())
	if err != nil {
		return nil, err
	}
	done := s.Ctrl.Reinitialize(kind)
	s.log().Info("reinitialize requested", zap.String("pipeline", string(kind)))
	if !s.WaitReinit {
		return &emptypb.Empty{}, nil
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return &emptypb.Empty{}, nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

type filterConfigRequest struct {
	Pipeline string                         `json:"pipeline"`
	Groups   []pipeline.FilterGroupSettings `json:"groups"`
}

// ApplyFilterConfig expects {"pipeline": "face", "groups": [{"name", "enabled", "minCutoff", "speed"}]}.
func (s *Server) ApplyFilterConfig(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	b, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var cfg filterConfigRequest
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	kind, err := parseKind(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	if len(cfg.Groups) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no filter groups")
	}
	if err := s.Ctrl.UpdateFilterConfig(kind, cfg.Groups); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func modelName(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	names := md.Get(ModelNameHeader)
	if len(names) == 0 || names[0] == "" {
		return "", status.Error(codes.InvalidArgument, "file name cannot be empty")
	}
	name := filepath.Base(names[0])
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", status.Errorf(codes.InvalidArgument, "bad file name %q", names[0])
	}
	return name, nil
}

func (s *Server) UploadModel(stream ExpressionService_UploadModelServer) error {
	name, err := modelName(stream.Context())
	if err != nil {
		return err
	}
	dir := s.ModelsDir
	if dir == "" {
		dir = "models"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	filePath := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.part")
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer os.Remove(tmp.Name())

	size := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			tmp.Close()
			return err
		}
		n, werr := tmp.Write(chunk.GetValue())
		if werr != nil {
			tmp.Close()
			return status.Errorf(codes.Internal, "failed to write chunk data: %v", werr)
		}
		size += n
	}
	if err := tmp.Close(); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	s.log().Info("model uploaded", zap.String("path", filePath), zap.Int("bytes", size))
	return stream.SendAndClose(wrapperspb.String(filePath))
}

func (s *Server) Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.log().Warn("shutdown requested over gRPC")
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
	return &emptypb.Empty{}, nil
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv *Server, opts ...grpc.ServerOption) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := grpc.NewServer(opts...)
	RegisterExpressionServiceServer(s, srv)
	go func() {
		srv.log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			srv.log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// CountingInterceptors report every RPC's method name to inc.
func CountingInterceptors(inc func(method string)) []grpc.ServerOption {
	short := func(full string) string {
		return full[strings.LastIndex(full, "/")+1:]
	}
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
			inc(short(info.FullMethod))
			return handler(ctx, req)
		}),
		grpc.ChainStreamInterceptor(func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			inc(short(info.FullMethod))
			return handler(srv, ss)
		}),
	}
}
