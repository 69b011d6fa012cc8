package proto

import "github.com/snksoft/crc"

// crcTable backs ValidatePayload's informational comparison (CRC-32/
// ISO-HDLC, the usual "CRC32" people mean). ADB hosts are inconsistent
// about populating the header's crc32 field at all and modern hosts
// ignore it entirely, so a mismatch here is never treated as fatal.
var crcTable = crc.NewTable(crc.CRC32)

// ChecksumPayload returns the CRC-32 of payload. It is never written to
// the wire (outgoing crc32 fields are always zero) and is only used by
// ValidatePayload to produce a log-worthy mismatch, never to reject a
// frame.
func ChecksumPayload(payload []byte) uint32 {
	return uint32(crcTable.CalculateCRC(payload))
}

// ValidatePayload reports whether the header's crc32 field, if the host
// bothered to set it, matches the payload actually received. A false
// result is informational only: callers MUST NOT reject the message on
// mismatch.
func ValidatePayload(headerCRC uint32, payload []byte) bool {
	if headerCRC == 0 {
		// Most hosts never populate crc32; absence is not a mismatch.
		return true
	}
	return headerCRC == ChecksumPayload(payload)
}
