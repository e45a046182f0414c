package http2

import (
	"sync"

	"h2session/internal/logger"
)

// controlEntry is a fully-formed frame ready to write verbatim - SETTINGS,
// PING, GOAWAY, WINDOW_UPDATE, RST_STREAM, PRIORITY, and HEADERS (the
// header block is pre-encoded before it reaches the Flusher).
type controlEntry struct {
	frame    Frame
	onFlushed func()
}

// dataEntry is outbound DATA payload for one stream, sliced into
// window-sized chunks as credit becomes available. The Flusher owns
// dataEntry's lifetime from enqueue until either all of data has been
// written or the stream is reset.
type dataEntry struct {
	stream    *Stream
	data      []byte
	offset    int
	endStream bool
	maxFrame  uint32
	onFlushed func(err error)
}

func (d *dataEntry) remaining() int { return len(d.data) - d.offset }

// funcEntry runs an arbitrary callback on the Flusher's single-writer
// goroutine. Used to serialize send-window arithmetic triggered by inbound
// SETTINGS/WINDOW_UPDATE frames onto the same goroutine that owns DATA
// chunking, instead of mutating windows from the Serve() read loop.
type funcEntry struct {
	fn func()
}

// Flusher is the Session's single writer: every outbound frame, control or
// data, passes through its append queue (or prepend head, for frames that
// must jump the line) so exactly one goroutine ever calls Transport.Write.
type Flusher struct {
	session   *Session
	transport Transport
	bufPool   BufferPool
	log       *logger.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	appendQueue []interface{}
	prependHead []interface{}
	parked      []*dataEntry
	closed      bool
	closeErr    error

	doneCh chan struct{}
}

// NewFlusher builds a Flusher writing frames to transport on behalf of
// session. Call Run to start its goroutine.
func NewFlusher(session *Session, transport Transport, bufPool BufferPool, log *logger.Logger) *Flusher {
	f := &Flusher{
		session:   session,
		transport: transport,
		bufPool:   bufPool,
		log:       log,
		doneCh:    make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Run is the Flusher's single-writer loop; call it on its own goroutine.
func (f *Flusher) Run() {
	defer close(f.doneCh)
	for {
		entry, ok := f.next()
		if !ok {
			f.mu.Lock()
			parked, err := f.parked, f.closeErr
			f.parked = nil
			f.mu.Unlock()
			if err == nil {
				err = errSessionClosed
			}
			for _, e := range parked {
				if e.onFlushed != nil {
					e.onFlushed(err)
				}
			}
			return
		}
		f.process(entry)
	}
}

// Wait blocks until the Flusher's goroutine has returned.
func (f *Flusher) Wait() { <-f.doneCh }

// EnqueueControl appends a control-type frame to the write queue. If
// prepend is true (PING and its ack, SETTINGS acks, and GOAWAY), it
// jumps ahead of any already-queued append entries.
func (f *Flusher) EnqueueControl(frame Frame, prepend bool, onFlushed func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	e := &controlEntry{frame: frame, onFlushed: onFlushed}
	if prepend {
		f.prependHead = append(f.prependHead, e)
	} else {
		f.appendQueue = append(f.appendQueue, e)
	}
	f.cond.Signal()
}

// EnqueueFunc schedules fn to run on the Flusher's single-writer goroutine.
// If prepend is true it jumps ahead of any already-queued append entries,
// the same as EnqueueControl's prepend rule.
func (f *Flusher) EnqueueFunc(prepend bool, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	e := &funcEntry{fn: fn}
	if prepend {
		f.prependHead = append(f.prependHead, e)
	} else {
		f.appendQueue = append(f.appendQueue, e)
	}
	f.cond.Signal()
}

// EnqueueData appends stream DATA payload to the write queue.
func (f *Flusher) EnqueueData(stream *Stream, data []byte, endStream bool, maxFrame uint32, onFlushed func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		if onFlushed != nil {
			onFlushed(errSessionClosed)
		}
		return
	}
	f.appendQueue = append(f.appendQueue, &dataEntry{stream: stream, data: data, endStream: endStream, maxFrame: maxFrame, onFlushed: onFlushed})
	f.cond.Signal()
}

// WakeParked re-examines previously parked DATA entries; call this after a
// WINDOW_UPDATE is applied so writes that were blocked on flow control get
// another chance.
func (f *Flusher) WakeParked() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.parked) == 0 {
		return
	}
	parked := make([]interface{}, len(f.parked))
	for i, e := range f.parked {
		parked[i] = e
	}
	f.appendQueue = append(parked, f.appendQueue...)
	f.parked = nil
	f.cond.Signal()
}

// Close stops the Flusher after any already-queued entries drain, failing
// DATA entries still parked on flow control with err (errSessionClosed when
// err is nil).
func (f *Flusher) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.closeErr = err
	f.cond.Broadcast()
}

// next pops the next entry to process: prepend head first, then append
// queue, blocking until one is available or the Flusher is closed with an
// empty queue.
func (f *Flusher) next() (interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.prependHead) == 0 && len(f.appendQueue) == 0 {
		if f.closed {
			return nil, false
		}
		f.cond.Wait()
	}
	var e interface{}
	if len(f.prependHead) > 0 {
		e = f.prependHead[0]
		f.prependHead = f.prependHead[1:]
	} else {
		e = f.appendQueue[0]
		f.appendQueue = f.appendQueue[1:]
	}
	return e, true
}

func (f *Flusher) process(entry interface{}) {
	switch e := entry.(type) {
	case *controlEntry:
		f.writeFrame(e.frame)
		if e.onFlushed != nil {
			e.onFlushed()
		}
	case *dataEntry:
		f.processData(e)
	case *funcEntry:
		e.fn()
	}
}

// processData attempts to send as much of e as current flow control allows.
// Bytes that cannot be sent now are re-parked rather than blocking the
// writer goroutine on other streams' frames.
func (f *Flusher) processData(e *dataEntry) {
	requested := e.remaining()
	if requested == 0 {
		f.finishData(e, nil)
		return
	}
	chunk := requested
	if uint32(chunk) > e.maxFrame {
		chunk = int(e.maxFrame)
	}
	allowed, err := f.session.flowControl.OnDataSending(e.stream.id, uint32(chunk))
	if err != nil {
		f.finishData(e, err)
		return
	}
	if allowed == 0 {
		f.park(e)
		return
	}

	payload := e.data[e.offset : e.offset+int(allowed)]
	endStream := e.endStream && e.offset+int(allowed) == len(e.data)
	df := &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, StreamID: e.stream.id, Length: uint32(len(payload))},
		Data:        payload,
	}
	if endStream {
		df.Flags |= FlagDataEndStream
	}
	if err := f.writeFrame(df); err != nil {
		f.finishData(e, err)
		return
	}
	f.session.flowControl.OnDataSent(e.stream.id, allowed)
	e.offset += int(allowed)

	if e.offset >= len(e.data) {
		f.finishData(e, nil)
		return
	}
	// More to send: requeue behind anything already waiting so other
	// streams get a turn (round-robin-ish fairness).
	f.mu.Lock()
	f.appendQueue = append(f.appendQueue, e)
	f.mu.Unlock()
}

func (f *Flusher) finishData(e *dataEntry, err error) {
	if err == nil {
		if serr := e.stream.sendDataComplete(e.endStream); serr != nil {
			err = serr
		}
	}
	if e.onFlushed != nil {
		e.onFlushed(err)
	}
}

func (f *Flusher) park(e *dataEntry) {
	f.mu.Lock()
	f.parked = append(f.parked, e)
	f.mu.Unlock()
}

func (f *Flusher) writeFrame(frame Frame) error {
	buf := f.bufPool.Get()
	defer f.bufPool.Put(buf)

	header := frame.Header()
	header.Length = frame.PayloadLen()
	if _, err := header.WriteTo(buf); err != nil {
		return f.fail(err)
	}
	if _, err := frame.WritePayload(buf); err != nil {
		return f.fail(err)
	}
	if _, err := f.transport.Write(buf.Bytes()); err != nil {
		return f.fail(err)
	}
	return nil
}

func (f *Flusher) fail(err error) error {
	if f.log != nil {
		f.log.Error("flusher write failed", logger.LogFields{"error": err.Error()})
	}
	f.session.abort(err)
	return err
}
