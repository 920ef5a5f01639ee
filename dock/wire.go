package dock

import (
	"encoding/binary"

	"dockmesh-go/errcode"
	"dockmesh-go/x/mathx"
)

// Command identifies the operation carried by one SPI exchange.
type Command uint8

const (
	CmdVersion   Command = 0
	CmdStatus    Command = 1
	CmdInterrupt Command = 2
	CmdSend      Command = 3
	CmdReceive   Command = 4
)

// MaxBlobSize is the largest payload a Send/Receive body may carry.
const MaxBlobSize = 2048

// InterruptFlag bits, carried in the 2-byte Interrupt body.
type InterruptFlag uint16

const (
	InterruptConnect InterruptFlag = 1 << 0
	InterruptBlob    InterruptFlag = 1 << 1
)

// Version is the (variant, protocol_revision) tuple returned by a Version
// exchange's 4-byte body.
type Version struct {
	Variant          uint16
	ProtocolRevision uint16
}

func DecodeVersion(d []byte) Version {
	return Version{
		Variant:          binary.LittleEndian.Uint16(d[0:2]),
		ProtocolRevision: binary.LittleEndian.Uint16(d[2:4]),
	}
}

// EncodeVersion is used only by hostlink's simulated peer and by tests; a
// real dock peer is the remote MCU and never encodes its own version here.
func EncodeVersion(v Version) []byte {
	d := make([]byte, 4)
	binary.LittleEndian.PutUint16(d[0:2], v.Variant)
	binary.LittleEndian.PutUint16(d[2:4], v.ProtocolRevision)
	return d
}

// VersionBodyLen is the fixed length of a Version exchange's body.
const VersionBodyLen = 4

// StatusBodyLen is the fixed length of a Status exchange's body.
const StatusBodyLen = statusBodyLen

// InterruptBodyLen is the fixed length of an Interrupt exchange's body.
const InterruptBodyLen = 2

// BlobHeaderLen is the fixed length of the (content_type, size) prefix on
// a Send/Receive body.
const BlobHeaderLen = blobHeaderLen

// Status is the peer's 12-byte fixed telemetry record:
// flags(u16) pending_send(u8) pending_receive(u8) then four signed
// fixed-point 16-bit values (÷255) for internal/external voltage/current.
type Status struct {
	Flags          uint16
	PendingSend    uint8
	PendingReceive uint8
	IntVoltage     float32
	IntCurrent     float32
	ExtVoltage     float32
	ExtCurrent     float32
}

const statusBodyLen = 12

func fixed255(raw int16) float32 {
	return float32(raw) / 255.0
}

func DecodeStatus(d []byte) Status {
	return Status{
		Flags:          binary.LittleEndian.Uint16(d[0:2]),
		PendingSend:    d[2],
		PendingReceive: d[3],
		IntVoltage:     fixed255(int16(binary.LittleEndian.Uint16(d[4:6]))),
		IntCurrent:     fixed255(int16(binary.LittleEndian.Uint16(d[6:8]))),
		ExtVoltage:     fixed255(int16(binary.LittleEndian.Uint16(d[8:10]))),
		ExtCurrent:     fixed255(int16(binary.LittleEndian.Uint16(d[10:12]))),
	}
}

// EncodeStatus is used only by hostlink's simulated peer and by tests; a
// real dock peer is the remote MCU and never encodes its own status here.
func EncodeStatus(s Status) []byte {
	d := make([]byte, statusBodyLen)
	binary.LittleEndian.PutUint16(d[0:2], s.Flags)
	d[2] = s.PendingSend
	d[3] = s.PendingReceive
	binary.LittleEndian.PutUint16(d[4:6], uint16(mathx.Clamp(int32(s.IntVoltage*255), -32768, 32767)))
	binary.LittleEndian.PutUint16(d[6:8], uint16(mathx.Clamp(int32(s.IntCurrent*255), -32768, 32767)))
	binary.LittleEndian.PutUint16(d[8:10], uint16(mathx.Clamp(int32(s.ExtVoltage*255), -32768, 32767)))
	binary.LittleEndian.PutUint16(d[10:12], uint16(mathx.Clamp(int32(s.ExtCurrent*255), -32768, 32767)))
	return d
}

func DecodeInterruptMask(d []byte) InterruptFlag {
	return InterruptFlag(binary.LittleEndian.Uint16(d[0:2]))
}

func EncodeInterruptMask(f InterruptFlag) []byte {
	d := make([]byte, 2)
	binary.LittleEndian.PutUint16(d, uint16(f))
	return d
}

// BlobHeader is the (content_type, size) prefix on a Send/Receive body.
type BlobHeader struct {
	ContentType uint16
	Size        uint16
}

const blobHeaderLen = 4

func EncodeBlobHeader(h BlobHeader) []byte {
	d := make([]byte, blobHeaderLen)
	binary.LittleEndian.PutUint16(d[0:2], h.ContentType)
	binary.LittleEndian.PutUint16(d[2:4], h.Size)
	return d
}

func DecodeBlobHeader(d []byte) BlobHeader {
	return BlobHeader{
		ContentType: binary.LittleEndian.Uint16(d[0:2]),
		Size:        binary.LittleEndian.Uint16(d[2:4]),
	}
}

// validateSendSize rejects an outbound blob over the link ceiling.
// Zero-size sends are legal; only Receive rejects them.
func validateSendSize(size int) error {
	if size > MaxBlobSize {
		return errcode.New(errcode.OversizeBlob, "dock", "blob exceeds link ceiling")
	}
	return nil
}

// validateReceiveSize rejects the sizes a Receive exchange must abort
// on: zero and anything over MaxBlobSize.
func validateReceiveSize(size int) error {
	if size == 0 {
		return errcode.New(errcode.ZeroSizeBlob, "dock", "zero-size blob")
	}
	if size > MaxBlobSize {
		return errcode.New(errcode.OversizeBlob, "dock", "blob exceeds link ceiling")
	}
	return nil
}
