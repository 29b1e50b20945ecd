// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ppv2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripINET(t *testing.T) {
	buf := Encode("198.51.100.7", 40001, "127.0.0.1", 9000, false)
	assert.Len(t, buf, 16+addrLenINET)

	h, rest, err := DecodeOne(buf)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Empty(t, rest)
	assert.Equal(t, 2, h.Version)
	assert.Equal(t, CommandProxy, h.Command)
	assert.Equal(t, FamilyINET, h.Family)
	assert.Equal(t, TransportStream, h.Transport)
	assert.Equal(t, "198.51.100.7", h.SrcIP)
	assert.Equal(t, 40001, h.SrcPort)
	assert.Equal(t, "127.0.0.1", h.DstIP)
	assert.Equal(t, 9000, h.DstPort)
}

func TestEncodeDecodeRoundTripINET6UDP(t *testing.T) {
	buf := Encode("2001:db8::1", 30000, "2001:db8::2", 5000, true)
	assert.Len(t, buf, 16+addrLenINET6)

	h, _, err := DecodeOne(buf)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, FamilyINET6, h.Family)
	assert.Equal(t, TransportDgram, h.Transport)
	assert.Equal(t, "2001:db8::1", h.SrcIP)
	assert.Equal(t, 30000, h.SrcPort)
}

func TestEncodeNormalizesIPv4MappedIPv6(t *testing.T) {
	buf := Encode("::ffff:10.0.0.5", 1, "10.0.0.6", 2, false)
	h, _, err := DecodeOne(buf)
	require.NoError(t, err)
	assert.Equal(t, FamilyINET, h.Family)
	assert.Equal(t, "10.0.0.5", h.SrcIP)
}

func TestChainExtraction(t *testing.T) {
	h1 := Encode("203.0.113.9", 55555, "127.0.0.1", 9000, false)
	payload := []byte("HELLO")

	headers, rest := DecodeChain(append(append([]byte{}, h1...), payload...))
	require.Len(t, headers, 1)
	assert.Equal(t, payload, rest)

	ip, port, ok := OriginalClient(headers)
	assert.True(t, ok)
	assert.Equal(t, "203.0.113.9", ip)
	assert.Equal(t, 55555, port)
}

func TestChainOfMultipleHeadersLastWins(t *testing.T) {
	h1 := Encode("203.0.113.9", 55555, "127.0.0.1", 9000, false)
	h2 := Encode("198.51.100.1", 11111, "127.0.0.1", 9000, false)
	payload := []byte("HELLO")

	var buf []byte
	buf = append(buf, h1...)
	buf = append(buf, h2...)
	buf = append(buf, payload...)

	headers, rest := DecodeChain(buf)
	require.Len(t, headers, 2)
	assert.Equal(t, payload, rest)

	ip, port, ok := OriginalClient(headers)
	assert.True(t, ok)
	assert.Equal(t, "198.51.100.1", ip)
	assert.Equal(t, 11111, port)
}

func TestChainCapsAt32Headers(t *testing.T) {
	one := Encode("203.0.113.9", 1, "127.0.0.1", 2, false)
	const total = 40
	var buf []byte
	for i := 0; i < total; i++ {
		buf = append(buf, one...)
	}
	payload := []byte("TAIL")
	buf = append(buf, payload...)

	headers, rest := DecodeChain(buf)
	assert.Len(t, headers, 32)

	var expectedRest []byte
	for i := 0; i < total-32; i++ {
		expectedRest = append(expectedRest, one...)
	}
	expectedRest = append(expectedRest, payload...)
	assert.Equal(t, expectedRest, rest)
}

func TestSignatureExclusivity(t *testing.T) {
	data := []byte("not a proxy header at all")
	headers, rest := DecodeChain(data)
	assert.Empty(t, headers)
	assert.Equal(t, data, rest)
}

func TestDecodeOneShortBufferIsNoHeaderNotError(t *testing.T) {
	buf := Encode("198.51.100.7", 1, "127.0.0.1", 2, false)
	truncated := buf[:len(buf)-1]

	h, rest, err := DecodeOne(truncated)
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, truncated, rest)
}

func TestOriginalClientEmptyChain(t *testing.T) {
	_, _, ok := OriginalClient(nil)
	assert.False(t, ok)
}
