package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/matheus3301/voipsms/internal/api"
	"github.com/matheus3301/voipsms/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server exposes the Messaging service on the session's control socket.
type Server struct {
	grpc   *grpc.Server
	ln     net.Listener
	path   string
	svc    *api.Service
	logger *zap.Logger
}

// NewServer binds the control socket. A socket file left by a crashed
// daemon is replaced; the session lock is already held at this point.
func NewServer(p Params, logger *zap.Logger, svc *api.Service) (*Server, error) {
	path := p.SocketPath
	if path == "" {
		path = session.SocketPath(p.SessionName)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{ln: ln, path: path, svc: svc, logger: logger}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.logUnary),
		grpc.ChainStreamInterceptor(s.logStream),
	)
	api.RegisterMessagingServer(s.grpc, svc)
	return s, nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("rpc",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
		zap.Duration("took", time.Since(start)))
	return resp, err
}

func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	s.logger.Debug("stream opened", zap.String("method", info.FullMethod))
	err := handler(srv, ss)
	s.logger.Debug("stream closed", zap.String("method", info.FullMethod), zap.Stringer("code", status.Code(err)))
	return err
}

// Serve blocks until the server is stopped.
func (s *Server) Serve() error {
	s.logger.Info("control socket listening", zap.String("socket", s.path))
	err := s.grpc.Serve(s.ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop ends open watch streams, drains in-flight calls, and removes the
// socket. Calls still running when ctx expires are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.svc.Close()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("forcing control socket shutdown")
		s.grpc.Stop()
		<-done
	}
	_ = os.Remove(s.path)
}
