package svc

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// sync protocol state: awaiting a top-level request tag, or part-way
// through a SEND transaction and awaiting DATA/DONE sub-frames.
const (
	syncAwaitingRequest = iota
	syncInSend
)

// syncService implements the "sync:" file-push sub-protocol. Every
// sub-frame is tag(4 bytes) + value(4 bytes LE), where value is a byte
// count for STAT/SEND/DATA and the transfer's mtime for DONE. A SEND's
// DATA chunks and terminating DONE may arrive split across any number of
// WRTEs; buf accumulates raw bytes across HandleWrite calls until a full
// sub-frame is available.
type syncService struct {
	buf   []byte
	state int

	sendPath string
	sendMode uint32
	sendData []byte

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queuedMsg
	closed bool

	out  chan []byte
	done bool
}

// queuedMsg is one response awaiting delivery on out. final marks the
// QUIT reply: done must not become true until the forwarder has actually
// hit the wire with it, or Stream.Tick could see IsDone before the reply
// ever reaches out and close the stream without ever sending it.
type queuedMsg struct {
	data  []byte
	final bool
}

func newSync() *syncService {
	s := &syncService{out: make(chan []byte, 4)}
	s.cond = sync.NewCond(&s.mu)
	go s.forward()
	return s
}

func (s *syncService) HandleWrite(b []byte) error {
	s.buf = append(s.buf, b...)
	for {
		consumed, err := s.step()
		if err != nil {
			return err
		}
		if consumed == 0 {
			return nil
		}
	}
}

func (s *syncService) Recv() <-chan []byte { return s.out }

func (s *syncService) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *syncService) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// push queues a response for forward to deliver on out. It never blocks:
// HandleWrite runs on the multiplexor goroutine, which is the same
// goroutine that drains out via Stream.Tick, so a single WRTE producing
// more responses than out's capacity must not be allowed to stall there.
func (s *syncService) push(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedMsg{data: msg})
	s.cond.Signal()
	s.mu.Unlock()
}

// pushFinal is push, but marks msg as the service's last word: done does
// not become true until forward has actually handed this one to out, so
// Stream.Tick can never observe IsDone before the reply reaches the wire.
func (s *syncService) pushFinal(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedMsg{data: msg, final: true})
	s.cond.Signal()
	s.mu.Unlock()
}

// forward drains queue onto out on its own goroutine, decoupled from
// HandleWrite's caller, until Close is called and the queue empties.
func (s *syncService) forward() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.out <- msg.data
		if msg.final {
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
		}
	}
}

// step consumes at most one sub-frame from buf, returning the number of
// bytes consumed (0 if buf doesn't yet hold a complete one).
func (s *syncService) step() (int, error) {
	if len(s.buf) < 8 {
		return 0, nil
	}
	tag := string(s.buf[0:4])
	val := binary.LittleEndian.Uint32(s.buf[4:8])

	switch s.state {
	case syncAwaitingRequest:
		switch tag {
		case "STAT":
			if len(s.buf) < 8+int(val) {
				return 0, nil
			}
			path := string(s.buf[8 : 8+int(val)])
			n := 8 + int(val)
			s.buf = s.buf[n:]
			s.respondStat(path)
			return n, nil
		case "SEND":
			if len(s.buf) < 8+int(val) {
				return 0, nil
			}
			pathMode := string(s.buf[8 : 8+int(val)])
			n := 8 + int(val)
			s.buf = s.buf[n:]
			path, mode, err := splitPathMode(pathMode)
			if err != nil {
				return 0, err
			}
			s.sendPath = path
			s.sendMode = mode
			s.sendData = s.sendData[:0]
			s.state = syncInSend
			return n, nil
		case "QUIT":
			if len(s.buf) < 8+int(val) {
				return 0, nil
			}
			n := 8 + int(val)
			s.buf = s.buf[n:]
			s.pushFinal([]byte("OKAY"))
			return n, nil
		default:
			return 0, fmt.Errorf("sync: unknown request tag %q", tag)
		}
	case syncInSend:
		switch tag {
		case "DATA":
			if len(s.buf) < 8+int(val) {
				return 0, nil
			}
			s.sendData = append(s.sendData, s.buf[8:8+int(val)]...)
			n := 8 + int(val)
			s.buf = s.buf[n:]
			return n, nil
		case "DONE":
			// val carries the transfer's mtime directly, not a length.
			n := 8
			s.buf = s.buf[n:]
			s.finishSend(val)
			s.state = syncAwaitingRequest
			return n, nil
		default:
			return 0, fmt.Errorf("sync: expected DATA or DONE within SEND, got %q", tag)
		}
	}
	panic("sync: unreachable state")
}

// finishSend completes a SEND transaction. Writing the received bytes to
// the filesystem is out of scope; the transfer is logged instead.
func (s *syncService) finishSend(mtime uint32) {
	log.Printf("sync: received %d bytes for %s (mode %o, mtime %d)", len(s.sendData), s.sendPath, s.sendMode, mtime)
	s.push([]byte("OKAY"))
}

func (s *syncService) respondStat(path string) {
	info, err := os.Stat(path)
	if err != nil {
		s.push([]byte("FAIL"))
		return
	}
	mode := uint32(info.Mode().Perm())
	if info.IsDir() {
		mode |= 0040000
	} else {
		mode |= 0100000
	}
	resp := make([]byte, 16)
	copy(resp[0:4], "STAT")
	binary.LittleEndian.PutUint32(resp[4:8], mode)
	binary.LittleEndian.PutUint32(resp[8:12], uint32(info.Size()))
	binary.LittleEndian.PutUint32(resp[12:16], uint32(info.ModTime().Unix()))
	s.push(resp)
}

// splitPathMode splits a SEND header's "path,mode" string on the last
// comma, since a path may legitimately contain commas but a decimal mode
// never does.
func splitPathMode(s string) (path string, mode uint32, err error) {
	idx := strings.LastIndexByte(s, ',')
	if idx < 0 {
		return "", 0, fmt.Errorf("sync: malformed SEND header %q", s)
	}
	m, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("sync: bad mode in SEND header: %w", err)
	}
	return s[:idx], uint32(m), nil
}
