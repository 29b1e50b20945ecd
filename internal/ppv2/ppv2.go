// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ppv2 implements the PROXY Protocol v2 binary preamble: encoding
// a header for traffic the relay forwards, and decoding (possibly
// chained) headers out of inbound traffic so a proxy-of-proxies
// topology preserves the original client's address.
package ppv2

import (
	"encoding/binary"
	"net"
)

// Command is the PPv2 command nibble.
type Command int

const (
	CommandLocal Command = 0
	CommandProxy Command = 1
)

// Family is the PPv2 address-family nibble.
type Family int

const (
	FamilyUnspec Family = 0
	FamilyINET   Family = 1
	FamilyINET6  Family = 2
	FamilyUnix   Family = 3
)

// Transport is the PPv2 transport-protocol nibble.
type Transport int

const (
	TransportUnspec Transport = 0
	TransportStream Transport = 1
	TransportDgram  Transport = 2
)

// maxChainDepth bounds decodeChain's work on adversarial input
// (spec.md Sec. 3: "bounded at 32 header layers per parse").
const maxChainDepth = 32

// sig is the fixed 12-byte PPv2 signature.
var sig = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	addrLenINET  = 12
	addrLenINET6 = 36
	addrLenUnix  = 216
)

// Header is a single decoded PPv2 header.
type Header struct {
	Version   int
	Command   Command
	Family    Family
	Transport Transport
	SrcIP     string
	SrcPort   int
	DstIP     string
	DstPort   int
	// Length is the total header length on the wire (16 + address
	// block length).
	Length int
}

// Encode builds a single PROXY-command, STREAM-or-DGRAM PPv2 header
// for the given source/destination. isUDP selects DGRAM transport,
// otherwise STREAM. Per spec.md Sec. 4.1, IPv4-mapped IPv6 addresses
// are normalized to dotted-quad form, and family is chosen by
// whether the normalized source address is IPv6.
func Encode(srcIP string, srcPort int, dstIP string, dstPort int, isUDP bool) []byte {
	srcIP = normalizeIP(srcIP)
	dstIP = normalizeIP(dstIP)

	sip := parseIPExpanded(srcIP)
	dip := parseIPExpanded(dstIP)

	isV6 := sip.To4() == nil

	var verCmd byte = (2 << 4) | (1 & 0xf) // version 2, command PROXY

	var famNibble byte
	var addrLen int
	var src, dst []byte
	if isV6 {
		famNibble = 2
		addrLen = addrLenINET6
		src = sip.To16()
		dst = dip.To16()
		if src == nil {
			src = make([]byte, 16)
		}
		if dst == nil {
			dst = make([]byte, 16)
		}
	} else {
		famNibble = 1
		addrLen = addrLenINET
		src = sip.To4()
		dst = dip.To4()
		if src == nil {
			src = make([]byte, 4)
		}
		if dst == nil {
			dst = make([]byte, 4)
		}
	}

	var transNibble byte = 1 // STREAM
	if isUDP {
		transNibble = 2 // DGRAM
	}
	famProto := (famNibble << 4) | transNibble

	out := make([]byte, 16+addrLen)
	copy(out[0:12], sig[:])
	out[12] = verCmd
	out[13] = famProto
	binary.BigEndian.PutUint16(out[14:16], uint16(addrLen))

	pos := 16
	copy(out[pos:], src)
	pos += len(src)
	copy(out[pos:], dst)
	pos += len(dst)
	binary.BigEndian.PutUint16(out[pos:pos+2], uint16(srcPort))
	pos += 2
	binary.BigEndian.PutUint16(out[pos:pos+2], uint16(dstPort))

	return out
}

// normalizeIP rewrites an IPv4-mapped IPv6 literal (::ffff:a.b.c.d)
// to its dotted-quad form. Any other input passes through unchanged.
func normalizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil && isMappedForm(ip) {
		return v4.String()
	}
	return ip
}

func isMappedForm(ip string) bool {
	for _, c := range ip {
		if c == ':' {
			return true
		}
	}
	return false
}

// parseIPExpanded parses ip, expanding IPv6 shorthand per spec.md
// Sec. 4.1 ("missing groups filled with zero; malformed groups also
// map to 0, do not fail"). net.ParseIP already performs "::"
// expansion and zero-fills; a nil result (malformed input) is mapped
// to the all-zero address rather than propagated as an error, since
// Encode has no error return.
func parseIPExpanded(ip string) net.IP {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return net.IPv4zero
	}
	return parsed
}

// DecodeOne decodes a single PPv2 header starting at the beginning
// of data. It returns (nil, nil), not an error, when the signature
// doesn't match or the buffer is shorter than the advertised header
// length: spec.md Sec. 4.1 treats both as "no header", non-fatal.
func DecodeOne(data []byte) (*Header, []byte, error) {
	if len(data) < 16 {
		return nil, data, nil
	}
	for i := 0; i < 12; i++ {
		if data[i] != sig[i] {
			return nil, data, nil
		}
	}

	verCmd := data[12]
	famProto := data[13]
	addrLen := int(binary.BigEndian.Uint16(data[14:16]))
	total := 16 + addrLen

	if len(data) < total {
		return nil, data, nil
	}

	version := int(verCmd >> 4)
	var cmd Command
	switch verCmd & 0x0f {
	case 1:
		cmd = CommandProxy
	default:
		cmd = CommandLocal
	}

	fam := Family(famProto >> 4)
	trans := Transport(famProto & 0x0f)

	h := &Header{
		Version:   version,
		Command:   cmd,
		Family:    fam,
		Transport: trans,
		Length:    total,
	}

	block := data[16:total]
	knownTransport := trans == TransportStream || trans == TransportDgram
	switch {
	case fam == FamilyINET && knownTransport && len(block) >= addrLenINET:
		h.SrcIP = net.IP(block[0:4]).String()
		h.DstIP = net.IP(block[4:8]).String()
		h.SrcPort = int(binary.BigEndian.Uint16(block[8:10]))
		h.DstPort = int(binary.BigEndian.Uint16(block[10:12]))
	case fam == FamilyINET6 && knownTransport && len(block) >= addrLenINET6:
		h.SrcIP = net.IP(block[0:16]).String()
		h.DstIP = net.IP(block[16:32]).String()
		h.SrcPort = int(binary.BigEndian.Uint16(block[32:34]))
		h.DstPort = int(binary.BigEndian.Uint16(block[34:36]))
	default:
		// UNSPEC/UNIX, or an unrecognized (family,transport) combination:
		// metadata decodes, address fields stay empty.
	}

	return h, data[total:], nil
}

// DecodeChain repeatedly decodes headers from the front of data,
// stopping at the first non-matching signature, after maxChainDepth
// headers, or at end of input. It returns the ordered header list
// and the residual payload (spec.md Sec. 3 "chain parse result").
func DecodeChain(data []byte) ([]*Header, []byte) {
	var headers []*Header
	rest := data
	for len(headers) < maxChainDepth {
		h, tail, err := DecodeOne(rest)
		if err != nil || h == nil {
			break
		}
		headers = append(headers, h)
		rest = tail
		if len(rest) == 0 {
			break
		}
	}
	return headers, rest
}

// OriginalClient returns the source address/port of the last header
// in chain: spec.md Sec. 4.1 treats the last header as authoritative,
// reflecting the closest upstream proxy's observed client.
func OriginalClient(chain []*Header) (ip string, port int, ok bool) {
	if len(chain) == 0 {
		return "", 0, false
	}
	last := chain[len(chain)-1]
	if last.SrcIP == "" {
		return "", 0, false
	}
	return last.SrcIP, last.SrcPort, true
}
