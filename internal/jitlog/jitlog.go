// Package jitlog writes and reads the binary log of a JIT session: compilation events and the traces compiled,
// encoded as a sequence of canonical CBOR records.
package jitlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/tracelet/tracelet/experimental"
	"github.com/tracelet/tracelet/internal/ir"
)

// Magic starts the header record of every log.
const Magic = "tracelet-jitlog"

// Version is the format version written.
const Version = 1

// RecordKind is the kind of a Record.
type RecordKind uint8

const (
	RecordHeader RecordKind = iota + 1
	RecordEvent
	RecordTrace
)

// String implements fmt.Stringer.
func (k RecordKind) String() string {
	switch k {
	case RecordHeader:
		return "header"
	case RecordEvent:
		return "event"
	case RecordTrace:
		return "trace"
	}
	return fmt.Sprintf("RecordKind(%d)", k)
}

// Record is one entry of a log. Exactly one of Header, Event and Trace is set, according to Kind.
type Record struct {
	Kind   RecordKind `cbor:"1,keyasint"`
	Header *Header    `cbor:"2,keyasint,omitempty"`
	Event  *Event     `cbor:"3,keyasint,omitempty"`
	Trace  *Trace     `cbor:"4,keyasint,omitempty"`
}

// Header is the first record of a log.
type Header struct {
	Magic   string `cbor:"1,keyasint"`
	Version int    `cbor:"2,keyasint"`
	// Session identifies the log.
	Session string `cbor:"3,keyasint"`
	// Started is the unix time in nanoseconds the log was started at.
	Started int64 `cbor:"4,keyasint"`
}

// Event is an experimental.Event. Errors are stored as their message.
type Event struct {
	Kind   string                 `cbor:"1,keyasint"`
	Header uint64                 `cbor:"2,keyasint"`
	Loop   uint64                 `cbor:"3,keyasint,omitempty"`
	Fields map[string]interface{} `cbor:"4,keyasint,omitempty"`
}

// Trace is a trace at one stage of compilation.
type Trace struct {
	// Stage is for example "recorded" or "optimized".
	Stage  string `cbor:"1,keyasint"`
	Kind   string `cbor:"2,keyasint"`
	Header uint64 `cbor:"3,keyasint"`
	Ops    int    `cbor:"4,keyasint"`
	// Text is the listing of the trace.
	Text string `cbor:"5,keyasint"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("jitlog: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Writer appends records to a log. It is safe for concurrent use.
type Writer struct {
	mux     sync.Mutex
	enc     *cbor.Encoder
	session uuid.UUID
	// err is the first write error. Later records are dropped.
	err error
}

var _ experimental.CompilationListener = (*Writer)(nil)

// NewWriter starts a log on w with a new session id.
func NewWriter(w io.Writer) *Writer {
	lw := &Writer{enc: encMode.NewEncoder(w), session: uuid.New()}
	lw.write(&Record{Kind: RecordHeader, Header: &Header{
		Magic: Magic, Version: Version, Session: lw.session.String(), Started: time.Now().UnixNano(),
	}})
	return lw
}

// Session returns the session id of the log.
func (w *Writer) Session() uuid.UUID { return w.session }

func (w *Writer) write(r *Record) {
	w.mux.Lock()
	defer w.mux.Unlock()
	if w.err != nil {
		return
	}
	if err := w.enc.Encode(r); err != nil {
		w.err = fmt.Errorf("jitlog: failed to write %s record: %w", r.Kind, err)
	}
}

// OnEvent implements experimental.CompilationListener.
func (w *Writer) OnEvent(_ context.Context, e experimental.Event) {
	ev := &Event{Kind: e.Kind.String(), Header: uint64(e.Header), Loop: e.Loop}
	if len(e.Fields) > 0 {
		ev.Fields = make(map[string]interface{}, len(e.Fields))
		for _, f := range e.Fields {
			if err, ok := f.Value.(error); ok {
				ev.Fields[f.Key] = err.Error()
			} else {
				ev.Fields[f.Key] = f.Value
			}
		}
	}
	w.write(&Record{Kind: RecordEvent, Event: ev})
}

// Trace logs t at the given stage.
func (w *Writer) Trace(stage string, t *ir.Trace) {
	w.write(&Record{Kind: RecordTrace, Trace: &Trace{
		Stage: stage, Kind: t.Kind.String(), Header: uint64(t.Header), Ops: t.Len(), Text: ir.Format(t),
	}})
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.err
}

// ErrNotJitlog is returned by Reader.Next when the log does not start with a valid header.
var ErrNotJitlog = errors.New("not a jitlog")

// Reader reads the records of a log.
type Reader struct {
	dec    *cbor.Decoder
	header *Header
}

// NewReader reads the header of the log in r.
func NewReader(r io.Reader) (*Reader, error) {
	lr := &Reader{dec: cbor.NewDecoder(r)}
	var rec Record
	if err := lr.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNotJitlog
		}
		return nil, fmt.Errorf("jitlog: failed to read header: %w", err)
	}
	if rec.Kind != RecordHeader || rec.Header == nil || rec.Header.Magic != Magic {
		return nil, ErrNotJitlog
	}
	if rec.Header.Version != Version {
		return nil, fmt.Errorf("jitlog: unsupported version %d", rec.Header.Version)
	}
	lr.header = rec.Header
	return lr, nil
}

// Header returns the header of the log.
func (r *Reader) Header() *Header { return r.header }

// Next returns the next record, or io.EOF at the end of the log.
func (r *Reader) Next() (*Record, error) {
	rec := &Record{}
	if err := r.dec.Decode(rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("jitlog: failed to read record: %w", err)
	}
	return rec, nil
}
