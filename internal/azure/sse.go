package azure

import (
	"bufio"
	"bytes"
	"io"
)

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the data of the next event. Multiple data lines in one
// event are joined with "\n". Other fields (event:, id:, retry:) and
// comments are ignored. Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			if len(line) == 0 {
				// Empty line terminates the event.
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
			} else if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
				dataLines = append(dataLines, bytes.TrimPrefix(data, []byte(" ")))
			}
		}

		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
	}
}
