package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bugle.v1.MessagingService"

// MessagingServer is the control surface served on the profile socket.
// Requests and responses are structpb.Struct values.
type MessagingServer interface {
	IngestMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReadDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WriteDraft(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkSeen(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ArchiveConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BlockDestination(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FocusConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetNotificationState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSyncStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchChanges(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(MessagingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var unaryMethods = []struct {
	name string
	call unaryFunc
}{
	{"IngestMessage", MessagingServer.IngestMessage},
	{"DeleteMessage", MessagingServer.DeleteMessage},
	{"ListMessages", MessagingServer.ListMessages},
	{"ReadDraft", MessagingServer.ReadDraft},
	{"WriteDraft", MessagingServer.WriteDraft},
	{"MarkSeen", MessagingServer.MarkSeen},
	{"MarkRead", MessagingServer.MarkRead},
	{"ArchiveConversation", MessagingServer.ArchiveConversation},
	{"BlockDestination", MessagingServer.BlockDestination},
	{"FocusConversation", MessagingServer.FocusConversation},
	{"ListConversations", MessagingServer.ListConversations},
	{"GetNotificationState", MessagingServer.GetNotificationState},
	{"StartSync", MessagingServer.StartSync},
	{"GetSyncStatus", MessagingServer.GetSyncStatus},
}

// ServiceDesc describes MessagingServer to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods:     methodDescs(),
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchChanges",
		Handler:       watchChangesHandler,
		ServerStreams: true,
	}},
	Metadata: "bugle/v1/messaging.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv MessagingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, 0, len(unaryMethods))
	for _, m := range unaryMethods {
		descs = append(descs, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)})
	}
	return descs
}

func unaryHandler(name string, call unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(MessagingServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		})
	}
}

func watchChangesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessagingServer).WatchChanges(in, stream)
}
