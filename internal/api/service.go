// Package api exposes the session daemon over gRPC. Requests and responses
// are google.protobuf.Struct messages, so the services are described by hand
// instead of generated stubs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	SessionServiceName = "dfchat.v1.SessionService"
	ChatServiceName    = "dfchat.v1.ChatService"
)

// SessionServer is the server API for dfchat.v1.SessionService.
type SessionServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ChatServer is the server API for dfchat.v1.ChatService.
type ChatServer interface {
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlderMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Keystroke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of ChatService.WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// SessionServiceDesc describes dfchat.v1.SessionService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(SessionServiceName, "Login", SessionServer.Login),
		unary(SessionServiceName, "Connect", SessionServer.Connect),
		unary(SessionServiceName, "Disconnect", SessionServer.Disconnect),
		unary(SessionServiceName, "Logout", SessionServer.Logout),
	},
	Metadata: "dfchat/v1/session.proto",
}

// ChatServiceDesc describes dfchat.v1.ChatService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListConversations", ChatServer.ListConversations),
		unary(ChatServiceName, "ListMessages", ChatServer.ListMessages),
		unary(ChatServiceName, "LoadOlderMessages", ChatServer.LoadOlderMessages),
		unary(ChatServiceName, "SendText", ChatServer.SendText),
		unary(ChatServiceName, "Keystroke", ChatServer.Keystroke),
		unary(ChatServiceName, "OpenConversation", ChatServer.OpenConversation),
		unary(ChatServiceName, "CreateConversation", ChatServer.CreateConversation),
		unary(ChatServiceName, "GetTyping", ChatServer.GetTyping),
		unary(ChatServiceName, "SearchMessages", ChatServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dfchat/v1/chat.proto",
}

// WatchEventsMethod is the full method name of the event stream.
const WatchEventsMethod = "/" + ChatServiceName + "/WatchEvents"

// RegisterSessionServer registers srv on s.
func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&SessionServiceDesc, srv)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

func unary[S any](service, method string, fn func(S, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(S), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchEvents(in, &eventStream{stream})
}
