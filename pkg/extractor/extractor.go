// Package extractor implements the streaming state machine that splits a
// raw serial byte stream into embedded control frames and interactive
// "user" bytes. It is deliberately oblivious to frame field semantics: it
// only recognises the SOF/EOF/DLE structure from pkg/frame and hands
// candidate frame bodies to frame.Parse.
package extractor

import "github.com/librescoot/console-proxy/pkg/frame"

// MaxBufferSize bounds the extractor's internal content buffer. It is the
// safety cap referenced by the proxy invariants, independent of the
// 255-byte payload field limit.
const MaxBufferSize = 64

// EventKind distinguishes the two kinds of Event an Extractor can emit.
type EventKind int

const (
	// EventUserBytes carries bytes that belong to the interactive stream.
	EventUserBytes EventKind = iota
	// EventFrame carries a successfully recovered frame.
	EventFrame
)

// Event is one outcome of feeding bytes (or a timeout) to an Extractor.
// Per-byte processing can produce zero or more events; Extractor holds no
// reference back to its caller (see the design note on cyclic ownership),
// so the caller drains the returned slice instead of receiving callbacks.
type Event struct {
	Kind      EventKind
	UserBytes []byte
	Frame     frame.Frame
}

// Extractor is a single-threaded, byte-at-a-time consumer with a bounded
// buffer. It is not safe for concurrent use; callers that need concurrency
// must serialize access themselves (see pkg/linkproxy, which owns one
// Extractor per link and drives it from a single goroutine).
//
// Seeing a single SOF-valued byte puts the machine into "in frame" state
// even before the other two bytes of a real SOF run arrive — that byte is
// consumed rather than buffered as content. If nothing ever completes the
// frame, pending holds the SOF-valued bytes swallowed so far (at most
// MaxBufferSize of them; further ones are dropped) so
// that a timeout or overflow with no real frame content can hand them back
// as user bytes instead of losing them outright. Once real content has
// been seen (buf is non-empty), the attempt is committed: timeout or
// overflow in that state discards the whole thing, per the "timeout never
// surfaces partial frame content" invariant.
type Extractor struct {
	buf             []byte
	pending         []byte
	inFrame         bool
	escapeNext      bool
	eofRunRemaining int
}

// New returns an empty Extractor.
func New() *Extractor {
	return &Extractor{
		buf:     make([]byte, 0, MaxBufferSize),
		pending: make([]byte, 0, MaxBufferSize),
	}
}

// HasPendingData reports whether the internal buffer holds bytes that have
// not yet been resolved into an event. Callers use this to decide whether
// to arm a timeout.
func (e *Extractor) HasPendingData() bool {
	return len(e.buf) > 0 || len(e.pending) > 0
}

// Process feeds data through the state machine one byte at a time and
// returns the events produced. The concatenation of every EventUserBytes
// event, across the lifetime of an Extractor fed a stream containing no
// SOF-valued byte at all (and closed with OnTimeout), equals that stream.
// A stray SOF-valued byte followed by other content puts that content in
// frame, where a timeout or overflow discards it.
func (e *Extractor) Process(data []byte) []Event {
	var events []Event
	for _, b := range data {
		if ev, ok := e.step(b); ok {
			events = append(events, ev)
		}
	}
	return events
}

// OnTimeout signals that no input has arrived for a while. See the
// Extractor doc comment for what happens to a bare, uncompleted SOF
// trigger versus a genuine in-progress frame.
func (e *Extractor) OnTimeout() []Event {
	return e.abort()
}

func (e *Extractor) step(b byte) (Event, bool) {
	if e.eofRunRemaining > 0 {
		if b == frame.EOF {
			e.eofRunRemaining--
			return Event{}, false
		}
		// Run cut short by something other than a trailing EOF byte: stop
		// suppressing and let this byte fall through to ordinary handling.
		e.eofRunRemaining = 0
	}

	switch {
	case e.escapeNext:
		e.escapeNext = false
		e.buf = append(e.buf, b)
		return e.checkOverflow()

	case b == frame.DLE:
		e.escapeNext = true
		e.buf = append(e.buf, b)
		return e.checkOverflow()

	case b == frame.SOF:
		if !e.inFrame {
			ev, ok := e.flushUserBytes()
			e.inFrame = true
			e.pending = append(e.pending[:0], b)
			return ev, ok
		}
		// Already in a frame: a fresh SOF means the previous EOF was lost
		// (or this is a run of literal SOF bytes that never turned into a
		// real frame). Discard whatever content had accumulated and start
		// tracking a new ambiguous trigger run.
		if len(e.buf) > 0 {
			e.pending = e.pending[:0]
		}
		if len(e.pending) < MaxBufferSize {
			e.pending = append(e.pending, b)
		}
		e.buf = e.buf[:0]
		return Event{}, false

	case b == frame.EOF:
		if e.inFrame {
			ev, ok := e.completeFrame()
			e.eofRunRemaining = frame.EOFRun - 1
			return ev, ok
		}
		// An EOF-valued byte with no preceding SOF trigger is not closing
		// anything; treating it as ordinary content (rather than always
		// attempting a parse) is what keeps an unframed stream lossless
		// even when it happens to contain the EOF byte value.
		e.buf = append(e.buf, b)
		return e.checkOverflow()

	default:
		e.buf = append(e.buf, b)
		return e.checkOverflow()
	}
}

// completeFrame attempts to parse whatever content has accumulated since
// the triggering SOF. Success or failure, the candidate is consumed: a
// corrupt frame is discarded silently, never surfaced as user bytes.
func (e *Extractor) completeFrame() (Event, bool) {
	content := e.buf
	defer e.reset()

	f, err := frame.Parse(content)
	if err != nil {
		return Event{}, false
	}
	return Event{Kind: EventFrame, Frame: f}, true
}

func (e *Extractor) flushUserBytes() (Event, bool) {
	if len(e.buf) == 0 {
		return Event{}, false
	}
	ev := userBytesEvent(e.buf)
	e.buf = e.buf[:0]
	return ev, true
}

func (e *Extractor) checkOverflow() (Event, bool) {
	if len(e.buf) < MaxBufferSize {
		return Event{}, false
	}
	return e.abortOne()
}

// abort resolves the current state at a timeout or overflow boundary: a
// genuine in-progress frame (buf non-empty) is discarded outright; a bare,
// uncompleted SOF trigger (buf empty, pending non-empty) is handed back as
// user bytes; otherwise any plain unframed content in buf is flushed as
// user bytes.
func (e *Extractor) abort() []Event {
	ev, ok := e.abortOne()
	if !ok {
		return nil
	}
	return []Event{ev}
}

func (e *Extractor) abortOne() (Event, bool) {
	defer e.reset()

	if len(e.buf) > 0 {
		if e.inFrame {
			return Event{}, false
		}
		return userBytesEvent(e.buf), true
	}
	if len(e.pending) > 0 {
		return userBytesEvent(e.pending), true
	}
	return Event{}, false
}

func (e *Extractor) reset() {
	e.buf = e.buf[:0]
	e.pending = e.pending[:0]
	e.inFrame = false
	e.escapeNext = false
}

func userBytesEvent(b []byte) Event {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Event{Kind: EventUserBytes, UserBytes: cp}
}
