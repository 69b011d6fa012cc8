package stream_test

import (
	"bytes"
	"testing"

	"github.com/usb-gadget/adbd/proto"
	"github.com/usb-gadget/adbd/stream"
)

// fakeService is a minimal stream.Service double for exercising the
// credit state machine without spawning a real shell or sync worker.
type fakeService struct {
	out     chan []byte
	writes  [][]byte
	done    bool
	closed  bool
}

func newFakeService() *fakeService {
	return &fakeService{out: make(chan []byte, 8)}
}

func (f *fakeService) HandleWrite(b []byte) error {
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	return nil
}
func (f *fakeService) Recv() <-chan []byte { return f.out }
func (f *fakeService) IsDone() bool        { return f.done }
func (f *fakeService) Close() error        { f.closed = true; return nil }

func TestFirstTickSendsInitialOkay(t *testing.T) {
	svc := newFakeService()
	s := stream.New(3, 1, "shell:ls", svc)
	var buf bytes.Buffer
	dead, err := s.Tick(&buf)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if dead {
		t.Fatal("stream reported dead on first tick")
	}
	meta, err := proto.DecodeHeader(buf.Bytes()[:proto.HeaderSize])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Cmd != proto.OKAY || meta.Arg0 != 3 || meta.Arg1 != 1 {
		t.Errorf("got %+v, want OKAY(3,1)", meta)
	}
	if !s.SentReady() {
		t.Error("SentReady should be true after first tick")
	}
}

func TestStopAndWaitOneWrteInFlight(t *testing.T) {
	svc := newFakeService()
	s := stream.New(3, 1, "shell:ls", svc)

	var buf bytes.Buffer
	s.Tick(&buf) // consumes the initial OKAY

	svc.out <- []byte("a")
	svc.out <- []byte("b")
	buf.Reset()
	dead, err := s.Tick(&buf)
	if err != nil || dead {
		t.Fatalf("tick: dead=%v err=%v", dead, err)
	}
	meta, _ := proto.DecodeHeader(buf.Bytes()[:proto.HeaderSize])
	if meta.Cmd != proto.WRTE {
		t.Fatalf("expected WRTE, got %s", meta.Cmd)
	}
	if s.OkToWrite() {
		t.Error("ok_to_write should be false immediately after sending a WRTE")
	}
	if s.PendingCount() != 1 {
		t.Errorf("expected 1 chunk still pending (stop-and-wait), got %d", s.PendingCount())
	}

	// Without an OKAY from the peer, a second tick must NOT send the
	// second queued chunk.
	buf.Reset()
	s.Tick(&buf)
	if buf.Len() != 0 {
		t.Errorf("expected no frame emitted while credit is held, got %d bytes", buf.Len())
	}

	// Peer grants credit back; now the second chunk goes out.
	s.HandleMsg(proto.Okay(1, 3))
	buf.Reset()
	s.Tick(&buf)
	meta, _ = proto.DecodeHeader(buf.Bytes()[:proto.HeaderSize])
	if meta.Cmd != proto.WRTE {
		t.Fatalf("expected second WRTE after OKAY, got %s", meta.Cmd)
	}
}

func TestInboundWrteForwardsToServiceAndReArmsReady(t *testing.T) {
	svc := newFakeService()
	s := stream.New(3, 1, "shell:", svc)
	var buf bytes.Buffer
	s.Tick(&buf) // initial OKAY, sentReady=true

	if err := s.HandleMsg(proto.Write(1, 3, []byte("hello"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(svc.writes) != 1 || string(svc.writes[0]) != "hello" {
		t.Fatalf("service did not receive forwarded payload: %+v", svc.writes)
	}
	if s.SentReady() {
		t.Error("SentReady should be cleared after consuming an inbound WRTE")
	}

	buf.Reset()
	s.Tick(&buf)
	meta, _ := proto.DecodeHeader(buf.Bytes()[:proto.HeaderSize])
	if meta.Cmd != proto.OKAY {
		t.Errorf("expected a re-emitted OKAY, got %s", meta.Cmd)
	}
}

func TestDeathEmitsCloseOnceDrained(t *testing.T) {
	svc := newFakeService()
	svc.out <- []byte("first")
	s := stream.New(3, 1, "sync:", svc)
	var buf bytes.Buffer
	s.Tick(&buf) // initial OKAY plus WRTE("first"); credit is now held

	svc.out <- []byte("last")
	svc.done = true
	buf.Reset()
	dead, err := s.Tick(&buf)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if dead {
		t.Fatal("must not reap while a WRTE is still pending")
	}

	s.HandleMsg(proto.Okay(1, 3))
	buf.Reset()
	dead, err = s.Tick(&buf) // sends the last WRTE, then CLSE now that nothing is pending
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !dead {
		t.Fatal("expected stream to be reapable once drained and done")
	}
	frames := buf.Bytes()
	meta, _ := proto.DecodeHeader(frames[:proto.HeaderSize])
	if meta.Cmd != proto.WRTE || string(frames[proto.HeaderSize:proto.HeaderSize+4]) != "last" {
		t.Fatalf("expected WRTE(\"last\") before CLSE, got %s", meta.Cmd)
	}
	meta, _ = proto.DecodeHeader(frames[proto.HeaderSize+4:])
	if meta.Cmd != proto.CLSE {
		t.Errorf("expected CLSE, got %s", meta.Cmd)
	}
	if !svc.closed {
		t.Error("service.Close() was not called")
	}
}
