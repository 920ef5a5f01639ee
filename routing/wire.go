package routing

import (
	"net/netip"

	"dockmesh-go/errcode"
	"dockmesh-go/x/fmtx"
)

// addrLen is the byte length of an IPv6 address on the wire, carried
// explicitly in every advertisement frame so a future IPv4 mesh could
// reuse the same command byte with a different address_length.
const addrLen = 16

// entrySize is one advertised-prefix entry: a full address plus its
// prefix length.
const entrySize = addrLen + 1

// Command identifies the two advertisement frame kinds: Call (a
// request for the peer's table) and Response (the table itself). The
// core only ever sends Response — the routing plane is purely periodic
// broadcast — but Decode accepts both values; any other command byte
// is rejected.
type Command uint8

const (
	CmdCall     Command = 0
	CmdResponse Command = 1
)

// Entry is one advertised prefix.
type Entry struct {
	Addr      netip.Addr
	PrefixLen uint8
}

// Advertisement is the decoded form of a routing advertisement frame:
// a command byte, an address-length byte, an entry count, then that
// many Entry values.
type Advertisement struct {
	Command Command
	Entries []Entry
}

// Encode serializes entries as a Response frame: cmd(1) + address_length(1)
// + entry_count(1) + entries(addr[16]+prefixlen[1]).
func Encode(entries []Entry) []byte {
	buf := make([]byte, 3+len(entries)*entrySize)
	buf[0] = byte(CmdResponse)
	buf[1] = addrLen
	buf[2] = byte(len(entries))
	for i, e := range entries {
		off := 3 + i*entrySize
		addr16 := e.Addr.As16()
		copy(buf[off:off+addrLen], addr16[:])
		buf[off+addrLen] = e.PrefixLen
	}
	return buf
}

// Decode parses a wire advertisement. A frame under 3 bytes, an
// address_length other than 16, or a declared entry_count that doesn't
// match the frame's actual remaining length is discarded: an error is
// returned, never a partial result.
func Decode(frame []byte) (Advertisement, error) {
	if len(frame) < 3 {
		return Advertisement{}, errcode.New(errcode.MalformedAdvertisement, "routing.Decode", "frame shorter than header")
	}
	if frame[1] != addrLen {
		return Advertisement{}, errcode.New(errcode.MalformedAdvertisement, "routing.Decode", "unsupported address length")
	}
	count := int(frame[2])
	want := 3 + count*entrySize
	if len(frame) != want {
		return Advertisement{}, errcode.New(errcode.MalformedAdvertisement, "routing.Decode",
			fmtx.Sprintf("entry count %d wants frame length %d, have %d", count, want, len(frame)))
	}

	cmd := Command(frame[0])
	if cmd != CmdCall && cmd != CmdResponse {
		return Advertisement{}, errcode.New(errcode.MalformedAdvertisement, "routing.Decode", "unknown command byte")
	}

	entries := make([]Entry, count)
	for i := 0; i < count; i++ {
		off := 3 + i*entrySize
		var raw [16]byte
		copy(raw[:], frame[off:off+addrLen])
		entries[i] = Entry{
			Addr:      netip.AddrFrom16(raw).Unmap(),
			PrefixLen: frame[off+addrLen],
		}
	}
	return Advertisement{Command: cmd, Entries: entries}, nil
}
