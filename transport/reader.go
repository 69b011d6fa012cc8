package transport

import (
	"io"
	"log"
	"time"

	"github.com/usb-gadget/adbd/proto"
)

// idleRetryDelay is how long the reader sleeps after a zero-byte read.
// FunctionFS returns 0 when no URB is outstanding rather than signalling
// EOF, so a zero-byte read means "nothing yet", not "host gone".
const idleRetryDelay = 10 * time.Millisecond

// Reader reassembles bulk-OUT bytes into complete proto.Message values
// using an accumulator: bytes are appended to a running buffer; once
// HeaderSize bytes are available a header is parsed, and once the
// declared payload length is also available the message is cut free and
// emitted.
type Reader struct {
	src io.Reader
	buf []byte
}

// NewReader wraps src (typically an Endpoints.Out file) in a Reader.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Run reads from the endpoint until a fatal I/O error occurs, sending each
// fully-reassembled Message on out. Run blocks on each send until the
// consumer receives it; out need not be buffered (the multiplexor relays
// it through its own unbounded in-memory queue). Run returns the fatal error
// that stopped it; a caller reading from a closed endpoint during normal
// shutdown should expect one and not alarm on it.
func (r *Reader) Run(out chan<- proto.Message) error {
	readBuf := make([]byte, proto.MaxData)
	for {
		n, err := r.src.Read(readBuf)
		if err != nil {
			return err
		}
		if n == 0 {
			// Idle signal, not EOF: no URB was outstanding. Try again soon.
			time.Sleep(idleRetryDelay)
			continue
		}
		r.buf = append(r.buf, readBuf[:n]...)

		for {
			msg, consumed, ok := r.tryExtract()
			if !ok {
				break
			}
			r.buf = r.buf[consumed:]
			out <- msg
		}
	}
}

// tryExtract attempts to cut one complete Message off the front of the
// accumulator. It reports ok=false if not enough bytes have arrived yet.
// A header naming an unrecognized command is logged and the reader
// resynchronizes by dropping one byte and retrying, since FunctionFS bulk
// transfers deliver whole URBs and a genuinely malformed header here
// indicates framing loss rather than a recoverable protocol error.
func (r *Reader) tryExtract() (proto.Message, int, bool) {
	if len(r.buf) < proto.HeaderSize {
		return proto.Message{}, 0, false
	}
	meta, err := proto.DecodeHeader(r.buf[:proto.HeaderSize])
	for err != nil {
		log.Printf("transport: %v; dropping a byte to resynchronize", err)
		r.buf = r.buf[1:]
		if len(r.buf) < proto.HeaderSize {
			return proto.Message{}, 0, false
		}
		meta, err = proto.DecodeHeader(r.buf[:proto.HeaderSize])
	}
	total := proto.HeaderSize + int(meta.Length)
	if len(r.buf) < total {
		return proto.Message{}, 0, false
	}
	payload := make([]byte, meta.Length)
	copy(payload, r.buf[proto.HeaderSize:total])
	return proto.Message{Meta: meta, Payload: payload}, total, true
}
