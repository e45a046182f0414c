package http2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"h2session/internal/logger"
)

// StreamState is a stream's position in the RFC 7540 Section 5.1 state
// machine.
type StreamState int

const (
	StreamStateIdle StreamState = iota
	StreamStateReservedLocal
	StreamStateReservedRemote
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateReservedLocal:
		return "reserved(local)"
	case StreamStateReservedRemote:
		return "reserved(remote)"
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half-closed(local)"
	case StreamStateHalfClosedRemote:
		return "half-closed(remote)"
	case StreamStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HeaderPolicy decides what to do with a decoded header block, replacing
// the inheritance-based request/response dispatch of the original design
// with a single composed strategy the Session is configured with.
type HeaderPolicy interface {
	// ProcessHeaders is called once a HEADERS (+ CONTINUATION) block has
	// been fully decoded for stream s. local reports whether s was
	// initiated locally (so these headers are a response) or remotely (a
	// request/push-adjacent headers block).
	ProcessHeaders(s *Stream, headers []hpack.HeaderField, endStream bool, local bool) error
}

// HeaderPolicyFunc adapts a plain function to HeaderPolicy.
type HeaderPolicyFunc func(s *Stream, headers []hpack.HeaderField, endStream bool, local bool) error

// ProcessHeaders implements HeaderPolicy.
func (f HeaderPolicyFunc) ProcessHeaders(s *Stream, headers []hpack.HeaderField, endStream bool, local bool) error {
	return f(s, headers, endStream, local)
}

// Stream represents one HTTP/2 stream multiplexed over a Session. It owns
// its half of the close handshake and its own flow-control accounting
// (delegated to the Session's FlowControlStrategy) but never writes to the
// transport directly - all outbound frames are handed to the Session's
// Flusher.
type Stream struct {
	id      uint32
	session *Session
	local   bool // true if this endpoint initiated the stream

	mu              sync.Mutex
	state           StreamState
	localClosed     bool // END_STREAM sent or RST_STREAM sent
	remoteClosed    bool // END_STREAM received or RST_STREAM received
	pendingRSTCode  *ErrorCode
	resetErr        error
	receivedHeaders bool
	sentHeaders     bool

	headerPolicy HeaderPolicy

	idleTimeout time.Duration
	idleCancel  Cancel

	ctx        context.Context
	cancelFunc context.CancelFunc

	createdAt time.Time
}

func newStream(id uint32, local bool, sess *Session, parentCtx context.Context) *Stream {
	ctx, cancel := context.WithCancel(parentCtx)
	return &Stream{
		id:           id,
		session:      sess,
		local:        local,
		state:        StreamStateIdle,
		headerPolicy: sess.headerPolicy,
		ctx:          ctx,
		cancelFunc:   cancel,
		createdAt:    time.Now(),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Context returns a context canceled when the stream closes.
func (s *Stream) Context() context.Context { return s.ctx }

// State returns the stream's current state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) setState(newState StreamState) {
	s.state = newState
}

// notIdle rearms the stream's idle timer; called when a locally-initiated
// stream is opened and on every HEADERS or DATA frame the stream receives.
func (s *Stream) notIdle() {
	if s.idleCancel != nil {
		s.idleCancel()
	}
	if s.idleTimeout <= 0 || s.session.scheduler == nil {
		return
	}
	streamID := s.id
	sess := s.session
	s.idleCancel = s.session.scheduler.Schedule(s.idleTimeout, func() {
		sess.onStreamIdleTimeout(streamID)
	})
}

// transitionOnSendLocked applies the effect of sending a frame of the given type,
// per RFC 7540 Section 5.1. Caller must hold s.mu.
func (s *Stream) transitionOnSendLocked(frameType FrameType, endStream bool) error {
	switch s.state {
	case StreamStateIdle:
		if frameType == FrameHeaders {
			s.setState(StreamStateOpen)
		} else if frameType == FramePushPromise {
			s.setState(StreamStateReservedLocal)
		}
	case StreamStateReservedLocal:
		if frameType == FrameHeaders {
			s.setState(StreamStateHalfClosedRemote)
		}
	case StreamStateOpen, StreamStateHalfClosedRemote:
		if frameType == FrameRSTStream {
			s.setState(StreamStateClosed)
			s.localClosed, s.remoteClosed = true, true
			return nil
		}
	case StreamStateHalfClosedLocal, StreamStateClosed:
		if frameType == FrameRSTStream {
			s.setState(StreamStateClosed)
			return nil
		}
		return NewStreamError(s.id, ErrCodeStreamClosed, fmt.Sprintf("cannot send %s on stream in state %s", frameType, s.state))
	}

	if endStream {
		s.localClosed = true
		switch s.state {
		case StreamStateOpen:
			s.setState(StreamStateHalfClosedLocal)
		case StreamStateHalfClosedRemote:
			s.setState(StreamStateClosed)
		}
	}
	return nil
}

// transitionOnReceiveLocked applies the effect of receiving a frame of the given
// type. Caller must hold s.mu.
func (s *Stream) transitionOnReceiveLocked(frameType FrameType, endStream bool) error {
	switch s.state {
	case StreamStateIdle:
		if frameType == FrameHeaders {
			s.setState(StreamStateOpen)
		} else if frameType == FramePushPromise {
			s.setState(StreamStateReservedRemote)
		} else {
			return NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("received %s on idle stream %d", frameType, s.id))
		}
	case StreamStateReservedRemote:
		if frameType == FrameHeaders {
			s.setState(StreamStateHalfClosedLocal)
		}
	case StreamStateHalfClosedRemote, StreamStateClosed:
		if frameType == FrameRSTStream {
			s.setState(StreamStateClosed)
			return nil
		}
		if frameType == FrameData || frameType == FrameHeaders {
			return NewStreamError(s.id, ErrCodeStreamClosed, fmt.Sprintf("received %s on closed/half-closed-remote stream %d", frameType, s.id))
		}
	case StreamStateOpen, StreamStateHalfClosedLocal:
		if frameType == FrameRSTStream {
			s.setState(StreamStateClosed)
			s.localClosed, s.remoteClosed = true, true
			return nil
		}
	}

	if endStream {
		s.remoteClosed = true
		switch s.state {
		case StreamStateOpen:
			s.setState(StreamStateHalfClosedRemote)
		case StreamStateHalfClosedLocal:
			s.setState(StreamStateClosed)
		}
	}
	return nil
}

// handleHeaders applies a fully reassembled HEADERS block (HEADERS plus any
// CONTINUATION frames) to the stream.
func (s *Stream) handleHeaders(headers []hpack.HeaderField, endStream bool) error {
	s.mu.Lock()
	if err := s.transitionOnReceiveLocked(FrameHeaders, endStream); err != nil {
		s.mu.Unlock()
		return err
	}
	s.receivedHeaders = true
	closed := s.state == StreamStateClosed
	s.mu.Unlock()
	s.notIdle()

	if s.headerPolicy != nil {
		if err := s.headerPolicy.ProcessHeaders(s, headers, endStream, s.local); err != nil {
			return err
		}
	}
	if closed {
		s.session.removeStream(s.id)
	}
	return nil
}

// handleData applies an inbound DATA frame to the stream's flow-control
// accounting and state machine. data is the usable payload (padding
// stripped) delivered to onStreamData; debitSize is the full
// payload-plus-padding length the recv window is charged for, per RFC 7540
// Section 6.1.
func (s *Stream) handleData(data []byte, debitSize uint32, endStream bool) error {
	if err := s.session.flowControl.OnDataReceived(s.id, debitSize); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.transitionOnReceiveLocked(FrameData, endStream); err != nil {
		s.mu.Unlock()
		return err
	}
	closed := s.state == StreamStateClosed
	s.mu.Unlock()
	s.notIdle()

	if s.session.onStreamData != nil {
		s.session.onStreamData(s, data, endStream)
	}
	if closed {
		s.session.removeStream(s.id)
	}
	return nil
}

// handleRSTStream applies an inbound RST_STREAM to the stream.
func (s *Stream) handleRSTStream(code ErrorCode) {
	s.mu.Lock()
	s.transitionOnReceiveLocked(FrameRSTStream, false)
	s.resetErr = NewStreamError(s.id, code, "RST_STREAM received")
	s.mu.Unlock()
	if s.idleCancel != nil {
		s.idleCancel()
	}
	s.cancelFunc()
	s.session.flowControl.OnStreamDestroyed(s.id)
	s.session.removeStream(s.id)
}

// sendHeaders records the local send-side effect of emitting a HEADERS
// frame; actual encoding/writing happens in the Flusher.
func (s *Stream) sendHeaders(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionOnSendLocked(FrameHeaders, endStream); err != nil {
		return err
	}
	s.sentHeaders = true
	return nil
}

// sendDataComplete records the local send-side effect of emitting DATA with
// endStream set, once the Flusher has written the final chunk.
func (s *Stream) sendDataComplete(endStream bool) error {
	if !endStream {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionOnSendLocked(FrameData, true)
}

// sendRSTStream records the local send-side effect of emitting RST_STREAM.
func (s *Stream) sendRSTStream(code ErrorCode) error {
	s.mu.Lock()
	err := s.transitionOnSendLocked(FrameRSTStream, false)
	s.pendingRSTCode = &code
	s.mu.Unlock()
	if s.idleCancel != nil {
		s.idleCancel()
	}
	s.cancelFunc()
	s.session.flowControl.OnStreamDestroyed(s.id)
	return err
}

// closed reports whether the stream has reached the terminal state.
func (s *Stream) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StreamStateClosed
}

func (s *Stream) logFields() logger.LogFields {
	return logger.LogFields{"streamID": s.id, "state": s.State().String()}
}
