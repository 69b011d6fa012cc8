/*Package proto implements encoding and decoding of the ADB wire protocol.

A Message is a 24-byte header optionally followed by a payload of up to
MaxData bytes. The header fields are little-endian:

	offset  width  field
	0       4      command
	4       4      arg0
	8       4      arg1
	12      4      length
	16      4      crc32 (unvalidated, written as 0)
	20      4      magic (command XOR 0xFFFFFFFF)

This package does not open or read file descriptors; see the transport
package for that. It only turns bytes into Messages and back.
*/
package proto

import (
	"encoding/binary"
	"fmt"
)

// Command identifies one of the seven ADB message types.
type Command uint32

// The ADB command set. Values are the little-endian wire encoding of the
// four-character command tags (e.g. CNXN = 'C'|'N'<<8|'X'<<16|'N'<<24).
const (
	CNXN Command = 0x4E584E43
	AUTH Command = 0x48545541
	OPEN Command = 0x4E45504F
	OKAY Command = 0x59414B4F
	WRTE Command = 0x45545257
	CLSE Command = 0x45534C43
	STLS Command = 0x534C5453
)

// MaxData is the largest payload, in bytes, a single Message may carry.
const MaxData = 256 * 1024

// Version is the ADB protocol version this daemon negotiates with CNXN.
const Version = 0x01000001

// HeaderSize is the fixed, packed size of a Message header on the wire.
const HeaderSize = 24

func (c Command) String() string {
	switch c {
	case CNXN:
		return "CNXN"
	case AUTH:
		return "AUTH"
	case OPEN:
		return "OPEN"
	case OKAY:
		return "OKAY"
	case WRTE:
		return "WRTE"
	case CLSE:
		return "CLSE"
	case STLS:
		return "STLS"
	default:
		return fmt.Sprintf("CMD(%#08x)", uint32(c))
	}
}

// known reports whether c is one of the seven recognized command ids.
func (c Command) known() bool {
	switch c {
	case CNXN, AUTH, OPEN, OKAY, WRTE, CLSE, STLS:
		return true
	default:
		return false
	}
}

// Meta holds the decoded fields of a 24-byte header. Crc is carried for
// informational comparison only and never gates acceptance; magic is
// implied by Command and re-derived on encode, never trusted on decode.
type Meta struct {
	Cmd    Command
	Arg0   uint32
	Arg1   uint32
	Length uint32
	Crc    uint32
}

// Message is a complete ADB frame: a header plus its payload.
type Message struct {
	Meta    Meta
	Payload []byte
}

// ErrUnknownCommand is returned by DecodeHeader when the command field does
// not match any of the seven recognized ids.
type ErrUnknownCommand struct {
	Got uint32
}

func (e ErrUnknownCommand) Error() string {
	return fmt.Sprintf("proto: unknown command id %#08x", e.Got)
}

// ErrPayloadTooLarge is returned by Encode when the payload exceeds MaxData.
type ErrPayloadTooLarge struct {
	Len int
}

func (e ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("proto: payload of %d bytes exceeds MaxData (%d)", e.Len, MaxData)
}

// Encode builds the 24-byte header and returns it alongside the payload,
// ready to be written back-to-back to a bulk-IN endpoint. crc is always
// written as zero; magic is derived from cmd.
func Encode(cmd Command, arg0, arg1 uint32, payload []byte) ([HeaderSize]byte, []byte, error) {
	var hdr [HeaderSize]byte
	if len(payload) > MaxData {
		return hdr, nil, ErrPayloadTooLarge{Len: len(payload)}
	}
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(hdr[4:8], arg0)
	binary.LittleEndian.PutUint32(hdr[8:12], arg1)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[16:20], 0) // crc32, unvalidated
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(cmd)^0xFFFFFFFF)
	return hdr, payload, nil
}

// DecodeHeader parses a 24-byte header. It does not verify magic or crc:
// a host that sends a malformed-but-recognized command id is tolerated.
// Only an unrecognized command id is rejected.
func DecodeHeader(b []byte) (Meta, error) {
	if len(b) < HeaderSize {
		return Meta{}, fmt.Errorf("proto: short header, got %d bytes want %d", len(b), HeaderSize)
	}
	cmd := Command(binary.LittleEndian.Uint32(b[0:4]))
	if !cmd.known() {
		return Meta{}, ErrUnknownCommand{Got: uint32(cmd)}
	}
	return Meta{
		Cmd:    cmd,
		Arg0:   binary.LittleEndian.Uint32(b[4:8]),
		Arg1:   binary.LittleEndian.Uint32(b[8:12]),
		Length: binary.LittleEndian.Uint32(b[12:16]),
		Crc:    binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

// Connect builds a CNXN message advertising version/maxdata and a
// NUL-terminated system-identity string.
func Connect(version, maxdata uint32, sysident []byte) Message {
	return Message{
		Meta:    Meta{Cmd: CNXN, Arg0: version, Arg1: maxdata, Length: uint32(len(sysident))},
		Payload: sysident,
	}
}

// Open builds an OPEN message requesting destination name (NUL-terminated)
// from the peer, identifying ourselves with localID.
func Open(localID uint32, name []byte) Message {
	return Message{
		Meta:    Meta{Cmd: OPEN, Arg0: localID, Arg1: 0, Length: uint32(len(name))},
		Payload: name,
	}
}

// Okay builds an OKAY credit grant from localID to remoteID.
func Okay(localID, remoteID uint32) Message {
	return Message{Meta: Meta{Cmd: OKAY, Arg0: localID, Arg1: remoteID}}
}

// Write builds a WRTE carrying payload from localID to remoteID.
func Write(localID, remoteID uint32, payload []byte) Message {
	return Message{
		Meta:    Meta{Cmd: WRTE, Arg0: localID, Arg1: remoteID, Length: uint32(len(payload))},
		Payload: payload,
	}
}

// Close builds a CLSE. localID is 0 for a rejection of an unroutable frame.
func Close(localID, remoteID uint32) Message {
	return Message{Meta: Meta{Cmd: CLSE, Arg0: localID, Arg1: remoteID}}
}

// Bytes returns the header and payload of m, ready for back-to-back writes.
func (m Message) Bytes() ([HeaderSize]byte, []byte, error) {
	return Encode(m.Meta.Cmd, m.Meta.Arg0, m.Meta.Arg1, m.Payload)
}

// WriteTo writes m's header then payload to w. It is not a full io.WriterTo
// (it returns no byte count, matching the fire-and-forget style the
// multiplexor uses for outbound frames) but is named WriteTo for
// discoverability.
func (m Message) WriteTo(w interface{ Write([]byte) (int, error) }) error {
	hdr, payload, err := m.Bytes()
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("proto: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("proto: write payload: %w", err)
		}
	}
	return nil
}
