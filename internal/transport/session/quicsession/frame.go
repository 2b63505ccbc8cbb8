package quicsession

import (
	"bufio"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// writeFrame writes payload length-prefixed with a QUIC varint, the same
// framing convention distribution/moq_writer.go uses for MoQ object
// headers, simplified to one length field per frame since this module
// does not speak the MoQ control protocol itself.
func writeFrame(w io.Writer, payload []byte) error {
	buf := quicvarint.Append(make([]byte, 0, quicvarint.Len(uint64(len(payload)))+len(payload)), uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one varint-length-prefixed frame from r.
func readFrame(r *bufio.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeTrackHeader writes the one-time header sent at the start of a
// subscription stream: the track name and subscriber priority.
func writeTrackHeader(w io.Writer, trackName string, priority byte) error {
	return writeFrame(w, append([]byte{priority}, trackName...))
}

// readTrackHeader reads a header written by writeTrackHeader.
func readTrackHeader(r *bufio.Reader) (trackName string, priority byte, err error) {
	frame, err := readFrame(r)
	if err != nil {
		return "", 0, err
	}
	if len(frame) == 0 {
		return "", 0, io.ErrUnexpectedEOF
	}
	return string(frame[1:]), frame[0], nil
}
