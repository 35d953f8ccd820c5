package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

var (
	// ErrStringTooLong is returned when a string does not fit its uint16 length prefix.
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
	// ErrLongStringTooLong is returned for a long string that cannot fit in a frame.
	ErrLongStringTooLong = errors.New("string exceeds the maximum frame size")
)

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteString writes a string as [length uint16][UTF-8 bytes].
func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteLongString writes a string as [length uint32][UTF-8 bytes]. Used for
// Content, which carries room-list snapshots that outgrow a uint16 prefix.
func WriteLongString(w io.Writer, s string) error {
	if len(s) > MaxFrameSize {
		return ErrLongStringTooLong
	}
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a string written by WriteLongString.
func ReadLongString(r io.Reader) (string, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return "", err
	}
	if n > MaxFrameSize {
		return "", ErrLongStringTooLong
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteOptionalString writes a presence byte followed by the string when s is non-nil.
func WriteOptionalString(w io.Writer, s *string) error {
	if s == nil {
		return WriteUint8(w, 0)
	}
	if err := WriteUint8(w, 1); err != nil {
		return err
	}
	return WriteString(w, *s)
}

// ReadOptionalString reads a value written by WriteOptionalString.
func ReadOptionalString(r io.Reader) (*string, error) {
	present, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	s, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
