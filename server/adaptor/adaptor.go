package adaptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ponyo877/chatrelay/server/domain"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"
)

const streamQueueSize = 32

// Adaptor serves the gRPC Events stream.
type Adaptor struct {
	relay *relay
	log   *slog.Logger
}

func NewAdaptor(uc Usecase, outlets domain.Outlets, log *slog.Logger) *Adaptor {
	return &Adaptor{relay: newRelay(uc, outlets, log), log: log}
}

func (a *Adaptor) Events(stream RelayEventsServer) error {
	ctx := stream.Context()
	remote := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remote = p.Addr.String()
	}

	conn := domain.NewConnectionID()
	sender := newStreamSender(streamQueueSize)
	a.relay.open(conn, sender)

	responseErr := make(chan error, 1)
	go func() {
		responseErr <- sender.pump(stream)
	}()
	defer func() {
		a.relay.close(context.WithoutCancel(ctx), conn)
		sender.stop()
		<-responseErr
	}()

	for {
		in, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.log.Info("client disconnected normally", "conn", conn, "remote", remote)
			} else {
				a.log.Info("client disconnected with error", "conn", conn, "remote", remote, "error", err)
			}
			return nil
		}

		env, err := DecodeEnvelope(in)
		if err != nil {
			a.log.Warn("failed to convert request", "conn", conn, "error", err)
			continue
		}
		if !a.relay.handle(ctx, conn, env) {
			return nil
		}
		if sender.failed() {
			return fmt.Errorf("failed to send response to %s", conn)
		}
	}
}

// streamSender queues envelopes for one gRPC stream. Only pump writes to the
// stream; a full queue marks the recipient stale.
type streamSender struct {
	queue chan *structpb.Struct
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	broken bool
}

func newStreamSender(size int) *streamSender {
	return &streamSender{
		queue: make(chan *structpb.Struct, size),
		done:  make(chan struct{}),
	}
}

func (s *streamSender) Send(event domain.EventName, data []byte) error {
	msg, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("%w: stream closed", domain.ErrStaleRecipient)
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full", domain.ErrStaleRecipient)
	}
}

func (s *streamSender) pump(stream RelayEventsServer) error {
	for {
		select {
		case msg := <-s.queue:
			if err := stream.Send(msg); err != nil {
				s.mu.Lock()
				s.broken = true
				s.mu.Unlock()
				s.stop()
				return err
			}
		case <-s.done:
			return nil
		}
	}
}

func (s *streamSender) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *streamSender) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}
