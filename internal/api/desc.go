// Package api exposes the delivery core over gRPC on the profile socket.
//
// Requests and responses are google.protobuf.Struct documents, so the service
// descriptor is written by hand instead of generated.
package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wutzup.v1.Control"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodSendText          = "SendText"
	MethodListQueue         = "ListQueue"
	MethodRetryMessage      = "RetryMessage"
	MethodClearFailed       = "ClearFailed"
	MethodSetAppState       = "SetAppState"
	MethodListConversations = "ListConversations"
	MethodOpenConversation  = "OpenConversation"
	MethodCloseConversation = "CloseConversation"
	MethodSetVisible        = "SetVisible"
	MethodSetComposer       = "SetComposer"
	MethodListMessages      = "ListMessages"
	MethodSearchMessages    = "SearchMessages"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ControlServer is the server API of the control service.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAppState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetVisible(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetComposer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryFunc func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
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
	return srv.(ControlServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ControlServiceDesc describes the control service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodSendText, ControlServer.SendText),
		unary(MethodListQueue, ControlServer.ListQueue),
		unary(MethodRetryMessage, ControlServer.RetryMessage),
		unary(MethodClearFailed, ControlServer.ClearFailed),
		unary(MethodSetAppState, ControlServer.SetAppState),
		unary(MethodListConversations, ControlServer.ListConversations),
		unary(MethodOpenConversation, ControlServer.OpenConversation),
		unary(MethodCloseConversation, ControlServer.CloseConversation),
		unary(MethodSetVisible, ControlServer.SetVisible),
		unary(MethodSetComposer, ControlServer.SetComposer),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSearchMessages, ControlServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "wutzup/v1/control.proto",
}

// Register adds the control service to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// Client calls the control service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with req as the request document.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams bus events whose kind starts with prefix. The returned
// function blocks for the next event and returns io.EOF when the stream ends.
func (c *Client) Watch(ctx context.Context, prefix string) (func() (map[string]any, error), error) {
	stream, err := c.conn.NewStream(ctx, &ControlServiceDesc.Streams[0], FullMethod(MethodWatchEvents))
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (map[string]any, error) {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			return nil, err
		}
		return out.AsMap(), nil
	}, nil
}
