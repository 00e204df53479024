package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Field widths on the wire.
const (
	TokenSize   = 12
	Uint32Size  = 4
	Float64Size = 8

	// MatrixLen is the number of elements in a 3x3 matrix (cell, inverse cell, virial).
	MatrixLen = 9
)

// EncodeToken returns the 12-byte, space padded token of cmd.
func EncodeToken(cmd Command) ([]byte, error) {
	if !cmd.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}

	return EncodeTokenName(cmd.String())
}

// EncodeTokenName pads an arbitrary ASCII name to a 12-byte token.
//
// It fails with ErrEncoding if the name is longer than 12 bytes or contains
// a byte outside of the printable ASCII range.
func EncodeTokenName(name string) ([]byte, error) {
	return AppendTokenName(make([]byte, 0, TokenSize), name)
}

// AppendToken appends the token of cmd to dst.
func AppendToken(dst []byte, cmd Command) ([]byte, error) {
	if !cmd.IsValid() {
		return dst, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}

	return AppendTokenName(dst, cmd.String())
}

// AppendTokenName appends name padded to a 12-byte token to dst.
func AppendTokenName(dst []byte, name string) ([]byte, error) {
	if len(name) > TokenSize {
		return dst, fmt.Errorf("%w: token %q exceeds %d bytes", ErrEncoding, name, TokenSize)
	}

	for i := 0; i < len(name); i++ {
		if name[i] <= ' ' || name[i] > '~' {
			return dst, fmt.Errorf("%w: token %q contains non-printable byte 0x%02x", ErrEncoding, name, name[i])
		}
	}

	dst = append(dst, name...)
	for i := len(name); i < TokenSize; i++ {
		dst = append(dst, ' ')
	}

	return dst, nil
}

// DecodeToken decodes a 12-byte token into a Command.
//
// Trailing spaces are trimmed before matching against the closed command set.
func DecodeToken(b []byte) (Command, error) {
	if len(b) < TokenSize {
		return CmdInvalid, fmt.Errorf("%w: token needs %d bytes, got %d", ErrTruncatedPayload, TokenSize, len(b))
	}

	name := strings.TrimRight(string(b[:TokenSize]), " ")

	return ParseCommand(name)
}

// EncodeUint32 returns n as 4 little-endian bytes.
func EncodeUint32(n uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, Uint32Size), n)
}

// AppendUint32 appends n as 4 little-endian bytes to dst.
func AppendUint32(dst []byte, n uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, n)
}

// DecodeUint32 decodes the first 4 bytes of b.
func DecodeUint32(b []byte) (uint32, error) {
	if len(b) < Uint32Size {
		return 0, fmt.Errorf("%w: uint32 needs %d bytes, got %d", ErrTruncatedPayload, Uint32Size, len(b))
	}

	return binary.LittleEndian.Uint32(b), nil
}

// AppendFloat64 appends v as an 8-byte little-endian IEEE-754 double to dst.
func AppendFloat64(dst []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
}

// DecodeFloat64 decodes the first 8 bytes of b.
func DecodeFloat64(b []byte) (float64, error) {
	if len(b) < Float64Size {
		return 0, fmt.Errorf("%w: float64 needs %d bytes, got %d", ErrTruncatedPayload, Float64Size, len(b))
	}

	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// EncodeFloat64s concatenates values as little-endian doubles, in input order.
// No length prefix is written.
func EncodeFloat64s(values []float64) []byte {
	return AppendFloat64s(make([]byte, 0, len(values)*Float64Size), values)
}

// AppendFloat64s appends values as little-endian doubles to dst.
func AppendFloat64s(dst []byte, values []float64) []byte {
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}

	return dst
}

// DecodeFloat64s decodes count doubles from b.
//
// It fails with ErrTruncatedPayload if b holds fewer than 8*count bytes.
func DecodeFloat64s(b []byte, count int) ([]float64, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrEncoding, count)
	}

	values := make([]float64, count)
	if err := DecodeFloat64sInto(values, b); err != nil {
		return nil, err
	}

	return values, nil
}

// DecodeFloat64sInto decodes len(dst) doubles from b into dst.
func DecodeFloat64sInto(dst []float64, b []byte) error {
	if need := len(dst) * Float64Size; len(b) < need {
		return fmt.Errorf("%w: %d doubles need %d bytes, got %d", ErrTruncatedPayload, len(dst), need, len(b))
	}

	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*Float64Size:]))
	}

	return nil
}

// AppendString appends s prefixed by its length as a 4-byte count.
// An empty string is encoded as a zero count with no body.
func AppendString(dst []byte, s string) ([]byte, error) {
	if uint64(len(s)) > math.MaxUint32 {
		return dst, fmt.Errorf("%w: string length %d does not fit a 32-bit count", ErrEncoding, len(s))
	}

	dst = AppendUint32(dst, uint32(len(s)))

	return append(dst, s...), nil
}
