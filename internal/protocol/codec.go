package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxLineBytes caps a single message. Larger lines fail the channel.
	MaxLineBytes = 16 << 20 // 16 MB

	// MaxPayloadBytes is the largest request body that still fits one
	// message after base64 encoding, with room for the rest of the context.
	MaxPayloadBytes = MaxLineBytes/4*3 - 1<<20 // 11 MB
)

// Writer encodes envelopes as newline-delimited JSON.
// Safe for concurrent use; each envelope is written in one call.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write encodes one envelope followed by a newline.
func (w *Writer) Write(env *Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(env); err != nil {
		return fmt.Errorf("writing %s message: %w", env.Type, err)
	}
	return nil
}

// Send builds an envelope from payload and writes it.
func (w *Writer) Send(msgType MessageType, executionID string, payload any) error {
	env, err := NewEnvelope(msgType, executionID, payload)
	if err != nil {
		return err
	}
	return w.Write(env)
}

// Reader decodes newline-delimited envelopes. Not safe for concurrent use.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// Read returns the next envelope. Blank lines are skipped.
// io.EOF is returned when the stream ends cleanly.
func (r *Reader) Read() (*Envelope, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		return &env, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return nil, io.EOF
}
