package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Encoder writes newline-delimited JSON values. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteRaw writes one pre-encoded message followed by a newline.
func (e *Encoder) WriteRaw(msg []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, bytes.TrimSpace(msg)...)
	buf = append(buf, '\n')
	_, err := e.w.Write(buf)
	return err
}

// Encode marshals v and writes it as one line.
func (e *Encoder) Encode(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.WriteRaw(msg)
}

// Decoder reads newline-delimited messages. Blank lines are skipped.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-empty line without its terminator. It returns
// io.EOF once the stream ends; a final unterminated line is still returned.
func (d *Decoder) Next() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}
