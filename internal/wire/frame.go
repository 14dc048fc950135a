package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	amerrors "github.com/flowdag/tez-am/internal/errors"
)

// ProtocolVersion is the single byte that precedes every frame's gob
// payload (spec.md §6: "versioned; request/response framed,
// length-prefixed, binary"). A worker speaking a different version is
// rejected before its frame is decoded.
const ProtocolVersion byte = 1

const maxFrameBytes = 64 << 20 // generous ceiling against a corrupt length prefix

// WriteFrame gob-encodes v and writes it to w as a length-prefixed,
// versioned frame: 4-byte big-endian uint32 byte count (covering the
// version byte plus the gob payload), then the version byte, then the
// gob payload.
func WriteFrame(w io.Writer, v any) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return err
	}
	frame := make([]byte, 4+1+body.Len())
	binary.BigEndian.PutUint32(frame[:4], uint32(1+body.Len()))
	frame[4] = ProtocolVersion
	copy(frame[5:], body.Bytes())
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed, versioned frame from r and
// gob-decodes its payload into v. It returns ErrRPCUnknownVersion if
// the frame's version byte does not match ProtocolVersion.
func ReadFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return amerrors.ErrRPCUnknownVersion.GenWithStackByArgs(0)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if buf[0] != ProtocolVersion {
		return amerrors.ErrRPCUnknownVersion.GenWithStackByArgs(int(buf[0]))
	}
	return gob.NewDecoder(bytes.NewReader(buf[1:])).Decode(v)
}
