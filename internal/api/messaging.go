// Package api exposes the daemon over gRPC. Requests and responses are
// google.protobuf.Struct values so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "voipsms.v1.Messaging"

// Method names, as used in the full method path /voipsms.v1.Messaging/<name>.
const (
	MethodGetStatus           = "GetStatus"
	MethodSync                = "Sync"
	MethodTrySync             = "TrySync"
	MethodSend                = "Send"
	MethodResubmit            = "Resubmit"
	MethodCompose             = "Compose"
	MethodListConversation    = "ListConversation"
	MethodListConversations   = "ListConversations"
	MethodMarkRead            = "MarkRead"
	MethodMarkUnread          = "MarkUnread"
	MethodDeleteConversation  = "DeleteConversation"
	MethodDeleteMessage       = "DeleteMessage"
	MethodRestoreConversation = "RestoreConversation"
	MethodSetArchived         = "SetArchived"
	MethodWatchUnread         = "WatchUnread"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// MessagingServer is the server API for the Messaging service.
type MessagingServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TrySync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resubmit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Compose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkUnread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RestoreConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetArchived(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchUnread(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(MessagingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessagingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(MessagingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// MessagingDesc describes the Messaging service for grpc.Server.RegisterService
// and for client streams.
var MessagingDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, MessagingServer.GetStatus),
		unary(MethodSync, MessagingServer.Sync),
		unary(MethodTrySync, MessagingServer.TrySync),
		unary(MethodSend, MessagingServer.Send),
		unary(MethodResubmit, MessagingServer.Resubmit),
		unary(MethodCompose, MessagingServer.Compose),
		unary(MethodListConversation, MessagingServer.ListConversation),
		unary(MethodListConversations, MessagingServer.ListConversations),
		unary(MethodMarkRead, MessagingServer.MarkRead),
		unary(MethodMarkUnread, MessagingServer.MarkUnread),
		unary(MethodDeleteConversation, MessagingServer.DeleteConversation),
		unary(MethodDeleteMessage, MessagingServer.DeleteMessage),
		unary(MethodRestoreConversation, MessagingServer.RestoreConversation),
		unary(MethodSetArchived, MessagingServer.SetArchived),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchUnread,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MessagingServer).WatchUnread(in, stream)
			},
		},
	},
	Metadata: "voipsms/v1/messaging.proto",
}

// RegisterMessagingServer registers srv on s.
func RegisterMessagingServer(s grpc.ServiceRegistrar, srv MessagingServer) {
	s.RegisterService(&MessagingDesc, srv)
}
