// Package journal holds the append-only on-disk logs: the short-retention
// delta log re-read during backfill and the permanent touch log. Records
// are zlib-compressed msgpack frames behind a 4-byte big-endian length
// prefix.
package journal

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameLen guards against garbage length prefixes in corrupted files.
const maxFrameLen = 10 * 1024 * 1024

var errFrameTooLarge = errors.New("frame length exceeds limit")

// encodeFrame compresses payload and prepends the length prefix.
func encodeFrame(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	frame := buf.Bytes()
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	return frame, nil
}

// readFrames calls fn with each decompressed payload. A truncated tail
// (partial prefix or short body, the normal result of a crash mid-write)
// ends iteration without error; an individual frame that fails to
// decompress is skipped.
func readFrames(r io.Reader, fn func(payload []byte) error) error {
	var prefix [4]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length == 0 || length > maxFrameLen {
			return fmt.Errorf("%w: %d", errFrameTooLarge, length)
		}

		compressed := make([]byte, length)
		if _, err := io.ReadFull(r, compressed); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			continue
		}
		payload, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			continue
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}
