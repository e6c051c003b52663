package proto

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"DetStreamServer/imageprep"
	iface "DetStreamServer/interface"
	"DetStreamServer/monitor"
	"DetStreamServer/pipeline"
	"DetStreamServer/session"
)

// Processor is satisfied by *pipeline.Pipeline.
type Processor interface {
	Run(ctx context.Context, frame iface.Frame) (*iface.FrameResult, error)
	Status() pipeline.EngineStatus
}

type Server struct {
	proc Processor
	log  *zap.Logger
}

var _ DetectServiceServer = (*Server)(nil)

func NewServer(proc Processor, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{proc: proc, log: log}
}

// Inference runs one encoded image through the pipeline and answers with the
// same document a websocket client receives.
func (s *Server) Inference(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	res, err := s.proc.Run(ctx, iface.Frame{Data: req.GetValue(), ArrivedAt: time.Now()})
	if err != nil {
		if imageprep.IsDecodeError(err) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.log.Error("grpc inference failed", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	b, err := session.MarshalDetections(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(b)
}

func (s *Server) CheckEngine(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	b, err := json.Marshal(s.proc.Status())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(b)
}

func toStruct(b []byte) (*structpb.Struct, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// StartGRPCServer serves srv on port until ctx is done.
func StartGRPCServer(ctx context.Context, port int, srv DetectServiceServer, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return Serve(ctx, lis, srv, log)
}

// Serve is StartGRPCServer on an existing listener.
func Serve(ctx context.Context, lis net.Listener, srv DetectServiceServer, log *zap.Logger) error {
	gs := grpc.NewServer()
	RegisterDetectServiceServer(gs, srv)

	errCh := make(chan error, 1)
	go func() {
		log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		errCh <- gs.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		gs.GracefulStop()
		return nil
	}
}
