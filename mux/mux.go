/*Package mux implements the single-threaded multiplexor that owns the
bulk-IN endpoint and the stream table: the connect handshake, OPEN/OKAY/
WRTE/CLSE dispatch, and the tick cadence that drives every live Stream.
*/
package mux

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/usb-gadget/adbd/logx"
	"github.com/usb-gadget/adbd/proto"
	"github.com/usb-gadget/adbd/stream"
	"github.com/usb-gadget/adbd/svc"
	"github.com/usb-gadget/adbd/transport"
)

// Config tunes the multiplexor's timing and device identity, normally
// sourced from the config package.
type Config struct {
	// Banner fills the <banner> slot of the "device:<serial>:<banner>"
	// system-identity string sent in every CNXN this daemon sends.
	Banner string

	// Serial fills the <serial> slot of the same identity string, letting
	// a host distinguish between multiple gadgets presenting the same
	// Banner. May be empty.
	Serial string

	// DefaultShell is run when a "shell:" open carries no command and
	// $SHELL is unset.
	DefaultShell string

	// IdleTick is the dispatch loop's idle cadence: every live stream is
	// ticked at least this often even with no inbound traffic.
	IdleTick time.Duration

	// ConnectRetry is how often CNXN is resent while waiting for the
	// host to complete the handshake.
	ConnectRetry time.Duration
}

// StreamInfo is a point-in-time, read-only view of one Stream for
// introspection.
type StreamInfo struct {
	ID, RemoteID uint32
	Service      string
	OkToWrite    bool
	SentReady    bool
	Dying        bool
	PendingMsgs  int
}

// Snapshot is a point-in-time view of the multiplexor's whole state,
// published to the introspection server after every tick pass.
type Snapshot struct {
	Connected bool
	Streams   []StreamInfo
}

// Mux owns ep2 (bulk-IN) and the stream table exclusively; no other
// goroutine may write to ep2 or touch the map.
type Mux struct {
	ep     *transport.Endpoints
	cfg    Config
	log    *logx.Logger
	out    io.Writer
	nextID uint32

	streams map[uint32]*stream.Stream

	connected bool
	snapshot  chan Snapshot
}

// New creates a Mux bound to ep. Run must be called to start it. Every
// frame written to ep.In is traced through logger at rate-limited Debug
// level, as is every frame the dispatch loop reads off ep.Out; frames
// read during the handshake are not traced.
func New(ep *transport.Endpoints, cfg Config, logger *logx.Logger) *Mux {
	return &Mux{
		ep:       ep,
		cfg:      cfg,
		log:      logger,
		out:      &traceWriter{w: ep.In, log: logger},
		nextID:   3,
		streams:  make(map[uint32]*stream.Stream),
		snapshot: make(chan Snapshot, 1),
	}
}

// traceWriter decorates the bulk-IN writer with a tx trace line for
// every frame header written. proto.Message.WriteTo always writes the
// header as one call of exactly HeaderSize bytes, giving this a single,
// reliable observation point for every outbound frame regardless of
// which code path sent it.
type traceWriter struct {
	w   io.Writer
	log *logx.Logger
}

func (t *traceWriter) Write(p []byte) (int, error) {
	if len(p) == proto.HeaderSize {
		if meta, err := proto.DecodeHeader(p); err == nil {
			t.log.Tracef("tx: %s arg0=%d arg1=%d len=%d", meta.Cmd, meta.Arg0, meta.Arg1, meta.Length)
		}
	}
	return t.w.Write(p)
}

// Snapshots returns the read-only, latest-value-wins channel the
// introspection server consumes from. Publishing never blocks on it.
func (m *Mux) Snapshots() <-chan Snapshot { return m.snapshot }

// Run performs the connect handshake, then the dispatch loop, until a
// fatal I/O error occurs. It never returns on clean shutdown; it is
// meant to be the last call in main.
func (m *Mux) Run() error {
	rawIn := make(chan proto.Message)
	readErr := make(chan error, 1)
	go func() {
		readErr <- transport.NewReader(m.ep.Out).Run(rawIn)
	}()
	in := unbounded(rawIn)

	if err := m.handshake(in); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.IdleTick)
	defer ticker.Stop()

	for {
		select {
		case msg := <-in:
			m.log.Tracef("rx: %s arg0=%d arg1=%d len=%d", msg.Meta.Cmd, msg.Meta.Arg0, msg.Meta.Arg1, msg.Meta.Length)
			m.dispatch(msg)
			m.tickAll()
		case <-ticker.C:
			m.tickAll()
		case err := <-readErr:
			return fmt.Errorf("mux: inbound reader stopped: %w", err)
		}
	}
}

// unbounded relays every value from in to the returned channel with no
// capacity limit, queuing in memory rather than applying backpressure to
// the reader goroutine feeding in. The dispatch loop may fall arbitrarily
// far behind without ever stalling transport.Reader.Run.
func unbounded(in <-chan proto.Message) <-chan proto.Message {
	out := make(chan proto.Message)
	go func() {
		defer close(out)
		var queue []proto.Message
		for {
			if len(queue) == 0 {
				v, ok := <-in
				if !ok {
					return
				}
				queue = append(queue, v)
				continue
			}
			select {
			case v, ok := <-in:
				if !ok {
					for _, q := range queue {
						out <- q
					}
					return
				}
				queue = append(queue, v)
			case out <- queue[0]:
				queue = queue[1:]
			}
		}
	}()
	return out
}

// handshake resends CNXN on cfg.ConnectRetry until the host's own CNXN
// arrives on in, discarding anything else seen in the meantime.
func (m *Mux) handshake(in <-chan proto.Message) error {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	ident := fmt.Sprintf("device:%s:%s\x00", m.cfg.Serial, m.cfg.Banner)
	cnxn := proto.Connect(proto.Version, proto.MaxData, []byte(ident))

	go func() {
		defer close(stopped)
		if err := cnxn.WriteTo(m.out); err != nil {
			log.Printf("mux: connect retry: %v", err)
		}
		ticker := time.NewTicker(m.cfg.ConnectRetry)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := cnxn.WriteTo(m.out); err != nil {
					log.Printf("mux: connect retry: %v", err)
				}
			}
		}
	}()

	for msg := range in {
		if msg.Meta.Cmd == proto.CNXN {
			close(stop)
			<-stopped
			m.connected = true
			return nil
		}
	}
	return fmt.Errorf("mux: inbound reader closed before the handshake completed")
}

// dispatch applies one inbound message to the stream table.
func (m *Mux) dispatch(msg proto.Message) {
	switch msg.Meta.Cmd {
	case proto.OPEN:
		m.handleOpen(msg)
	case proto.OKAY, proto.WRTE:
		s, ok := m.streams[msg.Meta.Arg1]
		if !ok {
			if err := proto.Close(0, msg.Meta.Arg0).WriteTo(m.out); err != nil {
				log.Printf("mux: reject unroutable %s: %v", msg.Meta.Cmd, err)
			}
			return
		}
		if err := s.HandleMsg(msg); err != nil {
			log.Printf("mux: stream %d: %v", s.ID(), err)
			s.ScheduleDeath()
		}
	case proto.CLSE:
		if s, ok := m.streams[msg.Meta.Arg1]; ok {
			if err := s.Abort(); err != nil {
				log.Printf("mux: stream %d: close: %v", s.ID(), err)
			}
			delete(m.streams, msg.Meta.Arg1)
		}
	case proto.AUTH, proto.STLS:
		// Silently dropped: this daemon never negotiates TLS or auth.
	}
}

func (m *Mux) handleOpen(msg proto.Message) {
	name := string(bytes.TrimRight(msg.Payload, "\x00"))

	service, err := svc.Spawn(name, m.cfg.DefaultShell)
	if err != nil {
		log.Printf("mux: open %q: %v", name, err)
		if err := proto.Close(0, msg.Meta.Arg0).WriteTo(m.out); err != nil {
			log.Printf("mux: reject unknown service: %v", err)
		}
		return
	}

	id := m.nextID
	m.nextID++
	m.streams[id] = stream.New(id, msg.Meta.Arg0, name, service)
}

// tickAll drives every live stream once, reaps the ones that report
// themselves dead, and republishes a snapshot.
func (m *Mux) tickAll() {
	for id, s := range m.streams {
		dead, err := s.Tick(m.out)
		if err != nil {
			log.Printf("mux: stream %d: %v", id, err)
		}
		if dead {
			delete(m.streams, id)
		}
	}
	m.publishSnapshot()
}

// publishSnapshot writes the current state to the snapshot channel,
// latest-value-wins: if the single slot is occupied, the old value is
// dropped rather than blocking.
func (m *Mux) publishSnapshot() {
	snap := Snapshot{Connected: m.connected}
	for _, s := range m.streams {
		snap.Streams = append(snap.Streams, StreamInfo{
			ID:          s.ID(),
			RemoteID:    s.RemoteID(),
			Service:     s.Name(),
			OkToWrite:   s.OkToWrite(),
			SentReady:   s.SentReady(),
			Dying:       s.Dying(),
			PendingMsgs: s.PendingCount(),
		})
	}
	select {
	case m.snapshot <- snap:
		return
	default:
	}
	select {
	case <-m.snapshot:
	default:
	}
	select {
	case m.snapshot <- snap:
	default:
	}
}
