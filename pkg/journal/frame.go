package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/plaenen/atelier/pkg/codec"
)

const (
	frameHeaderSize = 8
	maxFrameSize    = 64 << 20
)

// errBadFrame marks a frame that is incomplete or fails its checksum.
var errBadFrame = errors.New("bad frame")

// frameError describes a bad frame. end is the offset, relative to the start
// of the frame, where the frame would end according to its header, or
// frameHeaderSize when the header itself is short.
type frameError struct {
	end    int64
	reason string
}

func (e *frameError) Error() string { return e.reason }

func (e *frameError) Unwrap() error { return errBadFrame }

// torn reports whether a frame starting at offset in a file of fileSize bytes
// is the unfinished last write of that file. A bad frame followed by more
// data is corruption.
func (e *frameError) torn(offset, fileSize int64) bool {
	return offset+e.end >= fileSize
}

// appendFrame returns dst with body framed as length, CRC-32C, body.
func appendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = binary.BigEndian.AppendUint32(dst, codec.Checksum(body))
	return append(dst, body...)
}

// readFrame reads the next frame body from r. It returns io.EOF when r ends
// exactly on a frame boundary and a *frameError for a bad frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &frameError{end: frameHeaderSize, reason: fmt.Sprintf("short header (%d bytes)", n)}
	}

	size := binary.BigEndian.Uint32(hdr[0:4])
	sum := binary.BigEndian.Uint32(hdr[4:8])
	end := int64(frameHeaderSize) + int64(size)
	if size > maxFrameSize {
		return nil, &frameError{end: end, reason: fmt.Sprintf("frame length %d exceeds limit", size)}
	}

	body := make([]byte, size)
	if n, err := io.ReadFull(r, body); err != nil {
		return nil, &frameError{end: end, reason: fmt.Sprintf("short body (%d of %d bytes)", n, size)}
	}
	if got := codec.Checksum(body); got != sum {
		return nil, &frameError{end: end, reason: fmt.Sprintf("checksum %08x, want %08x", got, sum)}
	}
	return body, nil
}
