package workerproto

import (
	"context"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

// EventPublisher is the worker side of the event channel: a one-to-many,
// publish-only stream. ZMQ's PUB/SUB is a natural fit for "one sender, any
// number of subscribers, ordering preserved per sender", the same role
// IOPub plays for Jupyter kernels; here it is plain ZMQ framing rather than
// the Jupyter wire format, since there is exactly one subscriber in
// practice (the Kernel Client) and no HMAC signing is needed over a
// loopback or SSH-tunneled link.
type EventPublisher struct {
	ctx    context.Context
	cancel context.CancelFunc
	sock   zmq4.Socket
}

// NewEventPublisher binds a PUB socket at addr and returns a publisher.
func NewEventPublisher(addr string) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen("tcp://" + addr); err != nil {
		cancel()
		return nil, errors.WithMessagef(err, "failed to bind event channel on %s", addr)
	}
	return &EventPublisher{ctx: ctx, cancel: cancel, sock: sock}, nil
}

// Publish sends one event. Events for a given CellIndex must be sent in
// order by the caller; EventPublisher does not reorder or buffer.
func (p *EventPublisher) Publish(ev Event) error {
	payload, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	return p.sock.Send(zmq4.NewMsg(payload))
}

// Close releases the PUB socket.
func (p *EventPublisher) Close() error {
	p.cancel()
	return p.sock.Close()
}

// EventSubscriber is the Kernel Client's side of the event channel.
type EventSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	sock   zmq4.Socket
}

// DialEventSubscriber connects a SUB socket to addr and subscribes to all
// messages (there is a single logical topic: this worker's events).
func DialEventSubscriber(addr string) (*EventSubscriber, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewSub(ctx)
	if err := sock.Dial("tcp://" + addr); err != nil {
		cancel()
		return nil, errors.WithMessagef(err, "failed to dial event channel %s", addr)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		_ = sock.Close()
		return nil, errors.WithMessage(err, "failed to subscribe event channel")
	}
	return &EventSubscriber{ctx: ctx, cancel: cancel, sock: sock}, nil
}

// Recv blocks for the next event, or returns ctx.Err() once Close is called.
func (s *EventSubscriber) Recv() (Event, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return Event{}, err
	}
	return unmarshalEvent(msg.Frames[0])
}

// Close disconnects the subscriber; any blocked Recv returns an error.
func (s *EventSubscriber) Close() error {
	s.cancel()
	return s.sock.Close()
}
