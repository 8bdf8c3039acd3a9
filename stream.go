package mls

import (
	"errors"
)

///
/// Write Stream
///

// WriteStream concatenates the encodings of several values, e.g. a proposal
// followed by the commit that references it
type WriteStream struct {
	buffer []byte
}

func NewWriteStream() *WriteStream {
	return &WriteStream{}
}

func (s *WriteStream) Data() []byte {
	return s.buffer
}

func (s *WriteStream) Write(val Encodable) error {
	enc, err := Marshal(val)
	if err != nil {
		return err
	}
	s.buffer = append(s.buffer, enc...)
	return nil
}

func (s *WriteStream) WriteAll(vals ...Encodable) error {
	for _, val := range vals {
		err := s.Write(val)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *WriteStream) Append(b []byte) {
	s.buffer = append(s.buffer, b...)
}

///
/// ReadStream
///

type ReadStream struct {
	buffer []byte
	cursor int
}

func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{data, 0}
}

// Read decodes the next value.  If the stream holds only part of it, the error
// wraps ErrNeedMoreData and the cursor does not move, so the caller can Feed
// more bytes and retry.
func (s *ReadStream) Read(val Decodable) (int, error) {
	read, err := Unmarshal(s.buffer[s.cursor:], val)
	if err != nil {
		return 0, err
	}

	s.cursor += read
	return read, nil
}

func (s *ReadStream) ReadAll(vals ...Decodable) (int, error) {
	start := s.cursor
	for _, val := range vals {
		_, err := s.Read(val)
		if err != nil {
			s.cursor = start
			return 0, err
		}
	}
	return s.cursor - start, nil
}

// ReadMessages decodes MLSMessages until the stream is exhausted
func (s *ReadStream) ReadMessages() ([]*MLSMessage, error) {
	msgs := []*MLSMessage{}
	for s.Remaining() > 0 {
		msg := new(MLSMessage)
		if _, err := s.Read(msg); err != nil {
			if errors.Is(err, ErrNeedMoreData) {
				return nil, codecError("stream", "truncated message after %d complete", len(msgs))
			}
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Feed appends newly received bytes
func (s *ReadStream) Feed(b []byte) {
	s.buffer = append(s.buffer, b...)
}

func (s *ReadStream) Consumed() int {
	return s.cursor
}

func (s *ReadStream) Remaining() int {
	return len(s.buffer) - s.cursor
}
