package gateway

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// dlt645Stream incrementally frames a byte stream into complete DL/T 645
// frames, delimited by 0x68...0x16 (§4.B, §7 MalformedFrame policy: discard
// and resync at the next 0x68, never closing the connection over a single
// bad frame).
type dlt645Stream struct {
	log *logrus.Entry
	buf []byte
}

func newDLT645Stream(log *logrus.Logger) *dlt645Stream {
	return &dlt645Stream{log: componentLogger(log, "dlt645_stream")}
}

// Push appends data and extracts as many complete, checksum-valid frames as
// are available, discarding anything that fails validation and resuming the
// search for 0x68 immediately afterward.
func (s *dlt645Stream) Push(data []byte) ([]DLT645Frame, error) {
	s.buf = append(s.buf, data...)

	var out []DLT645Frame
	for {
		if len(s.buf) == 0 {
			return out, nil
		}
		if s.buf[0] != dlt645StartByte {
			s.discardOne()
			continue
		}

		length := dlt645FrameLength(s.buf)
		if length < 0 {
			return out, nil // underrun: need more bytes to read the declared length
		}
		if len(s.buf) < length {
			return out, nil // underrun: frame not fully arrived yet
		}

		candidate := s.buf[:length]
		frame, err := ParseFrame(candidate)
		if err != nil {
			s.log.WithField("preview", hex.EncodeToString(previewBytes(candidate))).
				Warn("dlt645 stream: malformed frame discarded, resynchronising")
			s.buf = s.buf[1:] // drop the bad start byte; the loop above resumes the 0x68 search
			continue
		}
		s.buf = s.buf[length:]
		out = append(out, *frame)
	}
}

func (s *dlt645Stream) discardOne() {
	s.buf = s.buf[1:]
}

func previewBytes(b []byte) []byte {
	if len(b) > 8 {
		return b[:8]
	}
	return b
}
