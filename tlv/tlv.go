// Package tlv strips the BER tag-length-value envelope that wraps EF.SOD and
// data group files when they are read directly off a document chip.
package tlv

import (
	"errors"
	"fmt"
)

// TagSOD is the application tag of the EF.SOD file.
const TagSOD byte = 0x77

// Common errors
var (
	ErrOutOfBounds       = errors.New("tlv: length exceeds buffer")
	ErrUnsupportedLength = errors.New("tlv: unsupported length encoding")
)

// maxLengthOctets bounds the long-form length field. Four octets already
// describe far more than any chip file holds.
const maxLengthOctets = 4

// Unwrap strips an outer EF.SOD envelope (tag 0x77). Input that does not
// start with the tag is returned unchanged.
func Unwrap(data []byte) ([]byte, error) {
	return UnwrapTag(data, TagSOD)
}

// UnwrapTag strips an outer envelope with the given single-byte tag and
// returns the value bytes. Trailing bytes after the declared value are
// ignored. Input that does not start with tag is returned unchanged.
func UnwrapTag(data []byte, tag byte) ([]byte, error) {
	if len(data) == 0 || data[0] != tag {
		return data, nil
	}

	length, offset, err := readLength(data, 1)
	if err != nil {
		return nil, err
	}

	end := offset + length
	if end < offset || end > len(data) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrOutOfBounds, length, offset, len(data)-offset)
	}

	return data[offset:end], nil
}

// readLength decodes a BER length starting at pos. It returns the length and
// the offset of the first value byte.
func readLength(data []byte, pos int) (int, int, error) {
	if pos >= len(data) {
		return 0, 0, fmt.Errorf("%w: missing length", ErrOutOfBounds)
	}

	first := data[pos]
	pos++
	if first&0x80 == 0 {
		return int(first), pos, nil
	}

	n := int(first & 0x7f)
	if n == 0 {
		// Indefinite form has no place in chip file envelopes.
		return 0, 0, fmt.Errorf("%w: indefinite length", ErrUnsupportedLength)
	}
	if n > maxLengthOctets {
		return 0, 0, fmt.Errorf("%w: %d length octets", ErrUnsupportedLength, n)
	}
	if pos+n > len(data) {
		return 0, 0, fmt.Errorf("%w: truncated length", ErrOutOfBounds)
	}

	length := 0
	for _, b := range data[pos : pos+n] {
		length = length<<8 | int(b)
	}
	if length < 0 {
		return 0, 0, fmt.Errorf("%w: negative length", ErrUnsupportedLength)
	}

	return length, pos + n, nil
}
