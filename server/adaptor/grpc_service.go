package adaptor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ponyo877/chatrelay/server/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	RelayServiceName      = "chatrelay.v1.Relay"
	RelayEventsFullMethod = "/chatrelay.v1.Relay/Events"
)

// RelayServer is the server API for the chatrelay.v1.Relay service. Every
// message on the Events stream is a google.protobuf.Struct of the form
// {"event": string, "data": any}.
type RelayServer interface {
	Events(RelayEventsServer) error
}

type RelayEventsServer interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ServerStream
}

type relayEventsServer struct {
	grpc.ServerStream
}

func (x *relayEventsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func (x *relayEventsServer) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func relayEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RelayServer).Events(&relayEventsServer{stream})
}

var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: RelayServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       relayEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "chatrelay/v1/relay.proto",
}

func RegisterRelayServer(s grpc.ServiceRegistrar, srv RelayServer) {
	s.RegisterService(&RelayServiceDesc, srv)
}

type RelayEventsClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type relayEventsClient struct {
	grpc.ClientStream
}

func (x *relayEventsClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *relayEventsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// NewRelayEventsClient opens an Events stream on cc.
func NewRelayEventsClient(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (RelayEventsClient, error) {
	stream, err := cc.NewStream(ctx, &RelayServiceDesc.Streams[0], RelayEventsFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &relayEventsClient{stream}, nil
}

// EncodeEnvelope wraps an event and its JSON data into a Struct.
func EncodeEnvelope(event domain.EventName, data []byte) (*structpb.Struct, error) {
	value := structpb.NewNullValue()
	if len(data) > 0 {
		value = &structpb.Value{}
		if err := protojson.Unmarshal(data, value); err != nil {
			return nil, fmt.Errorf("failed to convert %s data: %w", event, err)
		}
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"event": structpb.NewStringValue(event.String()),
			"data":  value,
		},
	}, nil
}

func DecodeEnvelope(msg *structpb.Struct) (Envelope, error) {
	fields := msg.GetFields()
	event, ok := fields["event"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: event name is missing", domain.ErrMalformedEvent)
	}
	env := Envelope{Event: domain.EventName(event.StringValue)}

	data, ok := fields["data"]
	if !ok {
		return env, nil
	}
	if _, isNull := data.GetKind().(*structpb.Value_NullValue); isNull {
		return env, nil
	}
	raw, err := protojson.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	env.Data = json.RawMessage(raw)
	return env, nil
}
