package transport

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/remote"
)

const serviceName = "syncvault.Remote"

// StoreCredentialRequest is the message for StoreCredential.
type StoreCredentialRequest struct {
	Member keys.MemberID `json:"member"`
	Blob   []byte        `json:"blob"`
}

// RetrieveCredentialRequest is the message for RetrieveCredential.
type RetrieveCredentialRequest struct {
	Member keys.MemberID `json:"member"`
}

// CredentialResponse carries a stored blob.
type CredentialResponse struct {
	Blob []byte `json:"blob"`
}

// Empty is the reply of calls with no result.
type Empty struct{}

// handlerProvider is the service interface registered with gRPC.
type handlerProvider interface {
	Handler() *remote.Handler
}

// Server serves a remote.Handler over gRPC.
type Server struct {
	handler *remote.Handler
	grpc    *grpc.Server
	logger  *slog.Logger
}

// NewServer registers h on a new gRPC server.
func NewServer(h *remote.Handler, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{handler: h, logger: logger}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logCalls)}, opts...)
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Handler returns the served handler.
func (s *Server) Handler() *remote.Handler {
	return s.handler
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("serving", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop waits for pending calls to finish and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	resp, err := next(ctx, req)
	if err != nil {
		s.logger.Debug("call failed", "method", info.FullMethod, "error", err)
	}
	return resp, err
}

// unary builds a method descriptor that decodes Req, calls fn and maps its
// error to a gRPC status.
func unary[Req, Resp any](name string, fn func(h *remote.Handler, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			h := srv.(handlerProvider).Handler()
			call := func(ctx context.Context, r any) (any, error) {
				resp, err := fn(h, ctx, r.(*Req))
				if err != nil {
					return nil, toStatus(ctx, err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, call)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*handlerProvider)(nil),
	Methods: []grpc.MethodDesc{
		unary("Pull", func(h *remote.Handler, ctx context.Context, req *remote.PullRequest) (*remote.PullResponse, error) {
			resp, err := h.Pull(ctx, *req)
			return &resp, err
		}),
		unary("Push", func(h *remote.Handler, ctx context.Context, req *remote.PushRequest) (*remote.PushResponse, error) {
			resp, err := h.Push(ctx, *req)
			return &resp, err
		}),
		unary("Notify", func(h *remote.Handler, ctx context.Context, req *remote.Notification) (*Empty, error) {
			return &Empty{}, h.Notify(ctx, *req)
		}),
		unary("StoreCredential", func(h *remote.Handler, ctx context.Context, req *StoreCredentialRequest) (*Empty, error) {
			return &Empty{}, h.StoreCredential(ctx, req.Member, req.Blob)
		}),
		unary("RetrieveCredential", func(h *remote.Handler, ctx context.Context, req *RetrieveCredentialRequest) (*CredentialResponse, error) {
			blob, err := h.RetrieveCredential(ctx, req.Member)
			return &CredentialResponse{Blob: blob}, err
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "syncvault/remote",
}
