package http2

import "sync"

// FlowControlStrategy implements the pluggable hooks a Session and its
// Streams call into at each point flow control state can change, per the
// engine's component design for flow control. A strategy owns no frame I/O;
// it only decides window accounting and when to emit a WINDOW_UPDATE.
type FlowControlStrategy interface {
	// OnStreamCreated registers a newly created stream's send/receive
	// windows, sized from the current local and peer initial window
	// settings.
	OnStreamCreated(streamID uint32, peerInitialWindow, localInitialWindow uint32)

	// OnStreamDestroyed releases any state the strategy holds for streamID.
	OnStreamDestroyed(streamID uint32)

	// OnDataReceived debits the session's and then streamID's receive
	// windows by size bytes, the full DATA frame payload including the
	// pad-length byte and padding. Returns a StreamError if streamID is
	// unknown (after the session debit), or a flow-control error if the
	// debit drives a window negative.
	OnDataReceived(streamID uint32, size uint32) error

	// OnDataConsumed is invoked once the application has finished with size
	// bytes previously delivered via OnDataReceived. The strategy decides
	// whether this warrants emitting a WINDOW_UPDATE now, via the returned
	// increments (0 means none due yet).
	OnDataConsumed(streamID uint32, size uint32) (streamIncrement, sessionIncrement uint32)

	// OnDataSending is called by the Flusher for an outbound DATA frame; it
	// returns the number of bytes from requested that may be sent now
	// (bounded by both the stream and session send windows) and debits both
	// windows by that amount.
	OnDataSending(streamID uint32, requested uint32) (allowed uint32, err error)

	// OnDataSent reports that n bytes were handed to the transport for
	// streamID; implementations that track outstanding sent-but-unacked
	// bytes update their bookkeeping here.
	OnDataSent(streamID uint32, n uint32)

	// UpdateInitialStreamWindow applies a SETTINGS_INITIAL_WINDOW_SIZE
	// change (old -> new) to every currently open stream's send window.
	UpdateInitialStreamWindow(oldSize, newSize uint32) error

	// WindowUpdate applies a received WINDOW_UPDATE increment to the
	// relevant send window; streamID is 0 for a connection-level update.
	WindowUpdate(streamID uint32, increment uint32) error

	// StreamSendWindow and SessionSendWindow expose the current send
	// windows for the Flusher's accounting.
	StreamSendWindow(streamID uint32) *FlowControlWindow
	SessionSendWindow() *FlowControlWindow
}

type streamWindows struct {
	send *FlowControlWindow // governs outbound DATA for this stream
	recv *FlowControlWindow // governs inbound DATA credit we extend to the peer

	recvConsumedSinceUpdate uint32
}

// baseFlowControlStrategy holds the bookkeeping shared by both strategy
// variants: the session-level windows and the per-stream window pairs.
type baseFlowControlStrategy struct {
	mu sync.RWMutex

	sessionSend *FlowControlWindow
	sessionRecv *FlowControlWindow

	sessionRecvConsumedSinceUpdate uint32

	streams map[uint32]*streamWindows
}

func newBaseFlowControlStrategy(initialSessionWindow uint32) baseFlowControlStrategy {
	return baseFlowControlStrategy{
		sessionSend: NewFlowControlWindow(initialSessionWindow, true, 0),
		sessionRecv: NewFlowControlWindow(initialSessionWindow, true, 0),
		streams:     make(map[uint32]*streamWindows),
	}
}

func (b *baseFlowControlStrategy) onStreamCreated(streamID uint32, peerInitialWindow, localInitialWindow uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[streamID] = &streamWindows{
		send: NewFlowControlWindow(peerInitialWindow, false, streamID),
		recv: NewFlowControlWindow(localInitialWindow, false, streamID),
	}
}

func (b *baseFlowControlStrategy) onStreamDestroyed(streamID uint32) {
	b.mu.Lock()
	sw := b.streams[streamID]
	delete(b.streams, streamID)
	b.mu.Unlock()
	if sw != nil {
		sw.send.Close(nil)
		sw.recv.Close(nil)
	}
}

func (b *baseFlowControlStrategy) get(streamID uint32) *streamWindows {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streams[streamID]
}

func (b *baseFlowControlStrategy) onDataReceived(streamID uint32, size uint32) error {
	if size == 0 {
		return nil
	}
	if err := b.sessionRecv.Increase(0); err != nil { // surfaces a prior terminal error, if any
		return err
	}
	// Debit is modeled by shrinking available directly since DATA we
	// receive consumes the credit we previously granted.
	if err := debitWindow(b.sessionRecv, size); err != nil {
		return err
	}
	sw := b.get(streamID)
	if sw == nil {
		return NewStreamError(streamID, ErrCodeStreamClosed, "DATA received for unknown stream")
	}
	return debitWindow(sw.recv, size)
}

func (b *baseFlowControlStrategy) onDataSending(streamID uint32, requested uint32) (uint32, error) {
	if requested == 0 {
		return 0, nil
	}
	sw := b.get(streamID)
	if sw == nil {
		return 0, NewStreamError(streamID, ErrCodeStreamClosed, "cannot send DATA on unknown stream")
	}
	streamGot, err := sw.send.TryAcquire(requested)
	if err != nil || streamGot == 0 {
		return 0, err
	}
	sessGot, err := b.sessionSend.TryAcquire(streamGot)
	if err != nil {
		sw.send.Increase(streamGot) // refund the stream reservation, session limited us first
		return 0, err
	}
	if sessGot < streamGot {
		sw.send.Increase(streamGot - sessGot) // refund the unused portion
	}
	return sessGot, nil
}

func (b *baseFlowControlStrategy) onDataSent(uint32, uint32) {}

func (b *baseFlowControlStrategy) updateInitialStreamWindow(oldSize, newSize uint32) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sw := range b.streams {
		if err := sw.send.UpdateInitialWindowSize(newSize); err != nil {
			return NewConnectionErrorWithCause(ErrCodeFlowControlError, "SETTINGS_INITIAL_WINDOW_SIZE update overflowed stream window", err)
		}
		_ = id
	}
	_ = oldSize
	return nil
}

func (b *baseFlowControlStrategy) windowUpdate(streamID uint32, increment uint32) error {
	if streamID == 0 {
		return b.sessionSend.Increase(increment)
	}
	sw := b.get(streamID)
	if sw == nil {
		return nil // stream already gone; a racing WINDOW_UPDATE is not an error
	}
	return sw.send.Increase(increment)
}

func (b *baseFlowControlStrategy) streamSendWindow(streamID uint32) *FlowControlWindow {
	sw := b.get(streamID)
	if sw == nil {
		return nil
	}
	return sw.send
}

func (b *baseFlowControlStrategy) sessionSendWindow() *FlowControlWindow {
	return b.sessionSend
}

// debitWindow reduces an FCW's available credit directly, used for inbound
// accounting where the peer (not us) decides how much was sent; it mirrors
// FlowControlWindow.Increase's overflow-checking shape but in the negative
// direction, without blocking.
func debitWindow(fcw *FlowControlWindow, size uint32) error {
	fcw.mu.Lock()
	defer fcw.mu.Unlock()
	if fcw.err != nil {
		return fcw.err
	}
	fcw.available -= int64(size)
	if fcw.available < 0 {
		msg := "flow control window went negative on receipt of DATA"
		var err error
		if fcw.isConnection {
			err = NewConnectionError(ErrCodeFlowControlError, msg)
		} else {
			err = NewStreamError(fcw.streamID, ErrCodeFlowControlError, msg)
		}
		fcw.setErrorLocked(err)
		return err
	}
	return nil
}

func creditWindow(fcw *FlowControlWindow, size uint32) {
	fcw.mu.Lock()
	fcw.available += int64(size)
	fcw.cond.Broadcast()
	fcw.mu.Unlock()
}

// SimpleFlowControlStrategy refunds consumed receive-window credit as soon
// as it crosses half of the relevant initial window, the conventional HTTP/2
// server heuristic (also used by golang.org/x/net/http2 and nghttp2).
type SimpleFlowControlStrategy struct {
	baseFlowControlStrategy
}

// NewSimpleFlowControlStrategy builds a SimpleFlowControlStrategy whose
// session-level receive window starts at initialSessionWindow.
func NewSimpleFlowControlStrategy(initialSessionWindow uint32) *SimpleFlowControlStrategy {
	return &SimpleFlowControlStrategy{baseFlowControlStrategy: newBaseFlowControlStrategy(initialSessionWindow)}
}

func (s *SimpleFlowControlStrategy) OnStreamCreated(streamID uint32, peerInitialWindow, localInitialWindow uint32) {
	s.onStreamCreated(streamID, peerInitialWindow, localInitialWindow)
}
func (s *SimpleFlowControlStrategy) OnStreamDestroyed(streamID uint32) { s.onStreamDestroyed(streamID) }
func (s *SimpleFlowControlStrategy) OnDataReceived(streamID uint32, size uint32) error {
	return s.onDataReceived(streamID, size)
}
func (s *SimpleFlowControlStrategy) OnDataSending(streamID uint32, requested uint32) (uint32, error) {
	return s.onDataSending(streamID, requested)
}
func (s *SimpleFlowControlStrategy) OnDataSent(streamID uint32, n uint32) { s.onDataSent(streamID, n) }
func (s *SimpleFlowControlStrategy) UpdateInitialStreamWindow(oldSize, newSize uint32) error {
	return s.updateInitialStreamWindow(oldSize, newSize)
}
func (s *SimpleFlowControlStrategy) WindowUpdate(streamID uint32, increment uint32) error {
	return s.windowUpdate(streamID, increment)
}
func (s *SimpleFlowControlStrategy) StreamSendWindow(streamID uint32) *FlowControlWindow {
	return s.streamSendWindow(streamID)
}
func (s *SimpleFlowControlStrategy) SessionSendWindow() *FlowControlWindow { return s.sessionSendWindow() }

func (s *SimpleFlowControlStrategy) OnDataConsumed(streamID uint32, size uint32) (uint32, uint32) {
	if size == 0 {
		return 0, 0
	}
	var streamIncrement uint32
	sw := s.get(streamID)
	if sw != nil {
		creditWindow(sw.recv, size)
		sw.recvConsumedSinceUpdate += size
		half := sw.recv.initialWindowSize / 2
		if half > 0 && sw.recvConsumedSinceUpdate >= half {
			streamIncrement = sw.recvConsumedSinceUpdate
			sw.recvConsumedSinceUpdate = 0
		}
	}

	creditWindow(s.sessionRecv, size)
	var sessionIncrement uint32
	s.mu.Lock()
	s.sessionRecvConsumedSinceUpdate += size
	half := s.sessionRecv.initialWindowSize / 2
	if half > 0 && s.sessionRecvConsumedSinceUpdate >= half {
		sessionIncrement = s.sessionRecvConsumedSinceUpdate
		s.sessionRecvConsumedSinceUpdate = 0
	}
	s.mu.Unlock()

	return streamIncrement, sessionIncrement
}

// BufferAwareFlowControlStrategy behaves like SimpleFlowControlStrategy but
// additionally withholds a stream's WINDOW_UPDATE while the application's
// reported buffer backlog for that stream is at or above highWatermark
// bytes, so a slow consumer does not keep inviting more data than it can
// hold.
type BufferAwareFlowControlStrategy struct {
	SimpleFlowControlStrategy
	highWatermark uint32

	mu      sync.Mutex
	backlog map[uint32]uint32
}

// NewBufferAwareFlowControlStrategy builds a BufferAwareFlowControlStrategy.
func NewBufferAwareFlowControlStrategy(initialSessionWindow, highWatermark uint32) *BufferAwareFlowControlStrategy {
	return &BufferAwareFlowControlStrategy{
		SimpleFlowControlStrategy: *NewSimpleFlowControlStrategy(initialSessionWindow),
		highWatermark:             highWatermark,
		backlog:                   make(map[uint32]uint32),
	}
}

// SetBacklog records the application-reported outstanding buffered bytes
// for streamID; callers invoke this from their own consumption loop.
func (b *BufferAwareFlowControlStrategy) SetBacklog(streamID uint32, bytes uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bytes == 0 {
		delete(b.backlog, streamID)
		return
	}
	b.backlog[streamID] = bytes
}

func (b *BufferAwareFlowControlStrategy) OnDataConsumed(streamID uint32, size uint32) (uint32, uint32) {
	streamIncrement, sessionIncrement := b.SimpleFlowControlStrategy.OnDataConsumed(streamID, size)
	b.mu.Lock()
	backlog := b.backlog[streamID]
	b.mu.Unlock()
	if backlog >= b.highWatermark {
		streamIncrement = 0
	}
	return streamIncrement, sessionIncrement
}

func (b *BufferAwareFlowControlStrategy) OnStreamDestroyed(streamID uint32) {
	b.mu.Lock()
	delete(b.backlog, streamID)
	b.mu.Unlock()
	b.SimpleFlowControlStrategy.OnStreamDestroyed(streamID)
}
