/*Package stream implements the per-logical-connection state machine that
bridges a Service's byte channels to the ADB wire: the stop-and-wait
credit scheme governing OPEN/OKAY/WRTE/CLSE.
*/
package stream

import (
	"container/list"
	"fmt"
	"io"

	"github.com/usb-gadget/adbd/proto"
)

// Service is anything a Stream can drive: a bidirectional byte-chunk
// channel pair plus a liveness signal. shell and sync are the two
// implementations in scope; Stream itself is agnostic to which.
type Service interface {
	// HandleWrite delivers bytes received from the peer over this
	// stream's WRTE frames.
	HandleWrite(b []byte) error

	// Recv returns the channel of byte chunks to send to the peer. Each
	// chunk drained from it becomes exactly one WRTE frame — no
	// coalescing, no splitting; the service is responsible for keeping
	// chunks at or under proto.MaxData.
	Recv() <-chan []byte

	// IsDone reports whether the stream should be closed.
	IsDone() bool

	// Close tears down the service's resources.
	Close() error
}

// Stream is one logical, bidirectional connection multiplexed over the
// shared bulk pipe, identified by a local id we allocate and a remote id
// the peer allocated in its OPEN.
type Stream struct {
	id       uint32
	remoteID uint32
	svc      Service
	name     string

	pending    *list.List // of proto.Message, WRTEs awaiting credit
	sentReady  bool
	okToWrite  bool
	die        bool
}

// New creates a Stream for an OPEN that named svc, owned exclusively by
// the caller (the multiplexor). ok_to_write starts true: we may send the
// first WRTE before ever receiving an OKAY.
func New(id, remoteID uint32, name string, svc Service) *Stream {
	return &Stream{
		id:        id,
		remoteID:  remoteID,
		svc:       svc,
		name:      name,
		pending:   list.New(),
		okToWrite: true,
	}
}

// ID returns the stream's local id.
func (s *Stream) ID() uint32 { return s.id }

// RemoteID returns the peer-assigned id learned from the OPEN.
func (s *Stream) RemoteID() uint32 { return s.remoteID }

// Name returns the "name:arg" this stream was opened with, for
// introspection.
func (s *Stream) Name() string { return s.name }

// ScheduleDeath marks the stream for teardown. The next Tick, once
// pending WRTEs drain, emits CLSE and reports the stream as reapable.
func (s *Stream) ScheduleDeath() {
	s.die = true
}

// Abort closes the underlying service immediately, with no CLSE written
// back. It is for a peer-initiated CLSE: the peer already knows the
// stream is gone, so only local cleanup remains.
func (s *Stream) Abort() error {
	return s.svc.Close()
}

// HandleMsg applies an inbound OKAY or WRTE addressed to this stream
// (routing by arg1 happens in the multiplexor; Stream trusts its caller).
// Other commands are ignored silently.
func (s *Stream) HandleMsg(msg proto.Message) error {
	switch msg.Meta.Cmd {
	case proto.OKAY:
		if msg.Meta.Arg1 == s.id {
			s.okToWrite = true
		}
	case proto.WRTE:
		if err := s.svc.HandleWrite(msg.Payload); err != nil {
			return fmt.Errorf("stream %d: service write: %w", s.id, err)
		}
		// An OKAY will be re-emitted on the next tick to request the
		// next WRTE from the peer.
		s.sentReady = false
	}
	return nil
}

// Tick drains pending service output, grants/regrants credit, and sends
// at most one WRTE under the stop-and-wait policy. It reports whether the
// stream is now dead (service done or death scheduled, and nothing left
// to flush) — the caller must reap it, having already had CLSE written on
// its behalf.
func (s *Stream) Tick(w io.Writer) (dead bool, err error) {
	if !s.sentReady {
		if err := proto.Okay(s.id, s.remoteID).WriteTo(w); err != nil {
			return false, fmt.Errorf("stream %d: write OKAY: %w", s.id, err)
		}
		s.sentReady = true
	}

	// Liveness is sampled before draining, so any output the service
	// handed over before reporting done is already queued below.
	finished := s.svc.IsDone() || s.die
	s.drainServiceOutput()

	if s.okToWrite {
		if front := s.pending.Front(); front != nil {
			msg := front.Value.(proto.Message)
			if err := msg.WriteTo(w); err != nil {
				return false, fmt.Errorf("stream %d: write WRTE: %w", s.id, err)
			}
			s.pending.Remove(front)
			s.okToWrite = false
		}
	}

	if finished && s.pending.Len() == 0 {
		if err := proto.Close(s.id, s.remoteID).WriteTo(w); err != nil {
			return false, fmt.Errorf("stream %d: write CLSE: %w", s.id, err)
		}
		if err := s.svc.Close(); err != nil {
			return true, fmt.Errorf("stream %d: service close: %w", s.id, err)
		}
		return true, nil
	}
	return false, nil
}

// drainServiceOutput non-blockingly empties the service's output channel
// into pending WRTE frames.
func (s *Stream) drainServiceOutput() {
	recv := s.svc.Recv()
	for {
		select {
		case chunk, ok := <-recv:
			if !ok {
				return
			}
			s.pending.PushBack(proto.Write(s.id, s.remoteID, chunk))
		default:
			return
		}
	}
}

// PendingCount reports how many WRTEs are queued awaiting credit, for
// introspection.
func (s *Stream) PendingCount() int { return s.pending.Len() }

// OkToWrite reports the current credit state, for introspection.
func (s *Stream) OkToWrite() bool { return s.okToWrite }

// SentReady reports whether the initial/re-armed OKAY has gone out, for
// introspection.
func (s *Stream) SentReady() bool { return s.sentReady }

// Dying reports whether ScheduleDeath has been called, for introspection.
func (s *Stream) Dying() bool { return s.die }
