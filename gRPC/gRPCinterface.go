package proto

import (
	"TableDetServer/engine"
	iface "TableDetServer/interface"
	"TableDetServer/logger"
	"TableDetServer/monitor"
	"TableDetServer/pipeline"
	"TableDetServer/render"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Server struct {
	p *pipeline.Pipeline

	// CloseChannel 在收到 Shutdown 后关闭
	CloseChannel chan struct{}
	closeOnce    sync.Once
}

func NewServer(p *pipeline.Pipeline) *Server {
	return &Server{p: p, CloseChannel: make(chan struct{})}
}

// toStatus keeps the sentinel visible to clients as a status code.
func toStatus(err error) error {
	switch {
	case errors.Is(err, iface.ErrInference):
		return status.Error(codes.Internal, err.Error())
	case errors.Is(err, iface.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	img, err := render.Decode(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.p.Annotate(ctx, img)
	if err != nil {
		logger.Log().Warn("gRPC detect failed", zap.Error(err))
		return nil, toStatus(err)
	}
	png, err := render.EncodePNG(res.Canvas)
	if err != nil {
		return nil, toStatus(err)
	}
	boxes := make([]interface{}, 0, len(res.Boxes))
	for i, b := range res.Boxes {
		lines := []interface{}{}
		if i < len(res.Lines) {
			for _, l := range res.Lines[i] {
				lines = append(lines, l)
			}
		}
		boxes = append(boxes, map[string]interface{}{
			"x":        b.Display.TopLeftX,
			"y":        b.Display.TopLeftY,
			"width":    b.Display.RectWidth,
			"height":   b.Display.RectHeight,
			"category": b.Category.String(),
			"lines":    lines,
		})
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"boxes": boxes,
		"image": png,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) CheckEngine(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	monitor.GRPCTotal.Inc()
	d := s.p.Detector()
	state, msg := d.Status()
	cfg := d.CheckConfig()
	shape := make([]interface{}, len(cfg.InputShape))
	for i, v := range cfg.InputShape {
		shape[i] = v
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"state":         engine.StateName(state),
		"error":         msg,
		"backend":       cfg.Backend,
		"modelPath":     cfg.ModelPath,
		"inputShape":    shape,
		"confidence":    float64(cfg.Conf),
		"iou":           float64(cfg.Iou),
		"maxDetections": cfg.MaxDetections,
		"useGPU":        cfg.UseGPU,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	s.closeOnce.Do(func() {
		logger.Log().Warn("Shutdown requested over gRPC")
		close(s.CloseChannel)
	})
	return &emptypb.Empty{}, nil
}

// Serve registers the service on a new grpc.Server and serves lis in the background.
func Serve(lis net.Listener, srv *Server) *grpc.Server {
	s := grpc.NewServer()
	RegisterDetectServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("Failed to serve gRPC server", zap.Error(err))
		}
	}()
	return s
}

func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return Serve(lis, srv), nil
}
