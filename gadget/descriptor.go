/*Package gadget builds the FunctionFS V2 descriptor blob and string table
that must be written to ep0 before the kernel will bind the ADB USB
function and the host will enumerate it.

The layout is byte-exact: every field, its width, and its position are
dictated by the Linux FunctionFS ABI and the historical ADB gadget
driver, not by this package's authors. Structs below are laid
out field-for-field in wire order and serialized with encoding/binary,
which (unlike a raw unsafe cast) writes fixed-size fields back-to-back
with no compiler-inserted padding, the same way the wire message header
in proto is built, just carried through a much larger, nested record.
*/
package gadget

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// USB descriptor types referenced by the function descriptor.
const (
	descTypeInterface          = 0x04
	descTypeEndpoint           = 0x05
	descTypeSSEndpointComp     = 0x30
	usbEndpointXferBulk        = 0x02
	usbDirOut             byte = 0x00
	usbDirIn              byte = 0x80
)

// ADB interface class/subclass/protocol, fixed by the host-side ADB driver.
const (
	adbClass    = 0xFF
	adbSubclass = 0x42
	adbProtocol = 0x01
)

// FunctionFS descriptor-set magic numbers and flags.
const (
	ffsDescriptorsMagicV2 = 3
	ffsStringsMagic        = 2

	ffsHasFSDesc   = 1 << 0
	ffsHasHSDesc   = 1 << 1
	ffsHasSSDesc   = 1 << 2
	ffsHasMSOSDesc = 1 << 3
)

const (
	maxPacketSizeFS = 64
	maxPacketSizeHS = 512
	maxPacketSizeSS = 1024
)

type interfaceDesc struct {
	Length          uint8
	DescriptorType  uint8
	InterfaceNumber uint8
	AltSetting      uint8
	NumEndpoints    uint8
	Class           uint8
	SubClass        uint8
	Protocol        uint8
	IfaceStringIdx  uint8
}

type endpointDesc struct {
	Length         uint8
	DescriptorType uint8
	Address        uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

type ssEndpointCompDesc struct {
	Length           uint8
	DescriptorType   uint8
	MaxBurst         uint8
	Attributes       uint8
	BytesPerInterval uint16
}

type funcDesc struct {
	Interface interfaceDesc
	EPOut     endpointDesc
	EPIn      endpointDesc
}

type ssFuncDesc struct {
	Interface interfaceDesc
	EPOut     endpointDesc
	EPOutComp ssEndpointCompDesc
	EPIn      endpointDesc
	EPInComp  ssEndpointCompDesc
}

// osHeader precedes each MS OS descriptor (compat ID, extended property).
type osHeader struct {
	Interface uint8
	Length    uint32
	Version   uint16
	Index     uint16
	Count     uint8
	Reserved  uint8
}

// msCompatDesc advertises the WINUSB compatible ID for the interface.
type msCompatDesc struct {
	FirstInterfaceNumber uint8
	Reserved1            uint8
	CompatibleID         [8]byte
	SubCompatibleID      [8]byte
	Reserved2            [6]byte
}

// devIfaceGUIDName and guidValue are the MS OS extended property contents:
// a DeviceInterfaceGUID so Windows picks a WinUSB driver without an INF.
var (
	devIfaceGUIDName = [20]byte{'D', 'e', 'v', 'i', 'c', 'e', 'I', 'n', 't', 'e', 'r', 'f', 'a', 'c', 'e', 'G', 'U', 'I', 'D', 0}
	guidValue        = [39]byte{}
)

func init() {
	copy(guidValue[:], "{F72FE0D4-CBCB-407D-8814-9ED673D0DD6B}\x00")
}

type msExtPropValues struct {
	Length     uint32
	DataType   uint32
	NameLength uint16
	Name       [20]byte
	PropLength uint32
	PropValue  [39]byte
}

// descV2 is the complete FunctionFS V2 descriptor record written to ep0.
type descV2 struct {
	Magic    uint32
	Length   uint32
	Flags    uint32
	FSCount  uint32
	HSCount  uint32
	SSCount  uint32
	OSCount  uint32
	FS       funcDesc
	HS       funcDesc
	SS       ssFuncDesc
	OSHdr    osHeader
	OSCompat msCompatDesc
	OSPropHdr osHeader
	OSProp   msExtPropValues
}

func adbInterface() interfaceDesc {
	return interfaceDesc{
		Length:          9,
		DescriptorType:  descTypeInterface,
		InterfaceNumber: 0,
		AltSetting:      0,
		NumEndpoints:    2,
		Class:           adbClass,
		SubClass:        adbSubclass,
		Protocol:        adbProtocol,
		IfaceStringIdx:  1,
	}
}

func bulkEndpoint(addr byte, maxPacketSize uint16) endpointDesc {
	return endpointDesc{
		Length:         7,
		DescriptorType: descTypeEndpoint,
		Address:        addr,
		Attributes:     usbEndpointXferBulk,
		MaxPacketSize:  maxPacketSize,
		Interval:       0,
	}
}

func ssCompanion() ssEndpointCompDesc {
	return ssEndpointCompDesc{
		Length:           6,
		DescriptorType:   descTypeSSEndpointComp,
		MaxBurst:         4,
		Attributes:       0,
		BytesPerInterval: 0,
	}
}

func buildFuncDesc(maxPacketSize uint16) funcDesc {
	return funcDesc{
		Interface: adbInterface(),
		EPOut:     bulkEndpoint(1|usbDirOut, maxPacketSize),
		EPIn:      bulkEndpoint(2|usbDirIn, maxPacketSize),
	}
}

func buildSSFuncDesc() ssFuncDesc {
	return ssFuncDesc{
		Interface: adbInterface(),
		EPOut:     bulkEndpoint(1|usbDirOut, maxPacketSizeSS),
		EPOutComp: ssCompanion(),
		EPIn:      bulkEndpoint(2|usbDirIn, maxPacketSizeSS),
		EPInComp:  ssCompanion(),
	}
}

// sizeOf returns the packed, on-wire size of v as encoding/binary would
// write it: the sum of its fixed-size fields, with no inserted padding.
func sizeOf(v interface{}) uint32 {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("gadget: sizeOf: %v", err))
	}
	return uint32(buf.Len())
}

func buildDescV2() descV2 {
	fs := buildFuncDesc(maxPacketSizeFS)
	hs := buildFuncDesc(maxPacketSizeHS)
	ss := buildSSFuncDesc()

	osHdr := osHeader{
		Interface: 0,
		Version:   1,
		Index:     4,
		Count:     1,
		Reserved:  0,
	}
	osCompat := msCompatDesc{
		FirstInterfaceNumber: 0,
		Reserved1:            1,
		CompatibleID:         [8]byte{'W', 'I', 'N', 'U', 'S', 'B', 0, 0},
	}
	osHdr.Length = sizeOf(osHdr) + sizeOf(osCompat)

	osProp := msExtPropValues{
		DataType:   1, // REG_SZ
		NameLength: uint16(len(devIfaceGUIDName)),
		Name:       devIfaceGUIDName,
		PropLength: uint32(len(guidValue)),
		PropValue:  guidValue,
	}
	osProp.Length = sizeOf(osProp)

	osPropHdr := osHeader{
		Interface: 0,
		Version:   1,
		Index:     5,
		Count:     1,
		Reserved:  0,
	}
	osPropHdr.Length = sizeOf(osPropHdr) + sizeOf(osProp)

	d := descV2{
		Magic:     ffsDescriptorsMagicV2,
		Flags:     ffsHasFSDesc | ffsHasHSDesc | ffsHasSSDesc | ffsHasMSOSDesc,
		FSCount:   3,
		HSCount:   3,
		SSCount:   5,
		OSCount:   2,
		FS:        fs,
		HS:        hs,
		SS:        ss,
		OSHdr:     osHdr,
		OSCompat:  osCompat,
		OSPropHdr: osPropHdr,
		OSProp:    osProp,
	}
	d.Length = sizeOf(d)
	return d
}

const ifaceString = "ADB Interface\x00"

type stringData struct {
	Magic     uint32
	Length    uint32
	StrCount  uint32
	LangCount uint32
	Code      uint16
	Str1      [len(ifaceString)]byte
}

func buildStringData() stringData {
	var s stringData
	s.Magic = ffsStringsMagic
	s.StrCount = 1
	s.LangCount = 1
	s.Code = 0x0409
	copy(s.Str1[:], ifaceString)
	s.Length = sizeOf(s)
	return s
}

func marshal(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("gadget: marshal: %v", err))
	}
	return buf.Bytes()
}

// Descriptors is the byte-exact FunctionFS V2 descriptor set for the ADB
// function: a single, compile-time-constant image.
func Descriptors() []byte {
	return marshal(buildDescV2())
}

// Strings is the byte-exact FunctionFS string table accompanying Descriptors.
func Strings() []byte {
	return marshal(buildStringData())
}
