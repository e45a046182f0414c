// Package http2 implements an RFC 7540 HTTP/2 session engine: connection
// multiplexing, flow control, and the GOAWAY-driven close handshake. It
// depends on collaborators (Transport, IdleScheduler, BufferPool,
// SessionListener) supplied by the caller rather than owning TLS
// negotiation, HTTP/1.x upgrade, or request routing.
package http2

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"h2session/internal/config"
	"h2session/internal/logger"
	"h2session/internal/metrics"
)

// closeState is the Session's position in the close handshake described by
// the engine's close-state-machine contract.
type closeState int32

const (
	stateNotClosed closeState = iota
	stateLocallyClosed
	stateRemotelyClosed
	stateClosed
)

var (
	errSessionClosed = errors.New("http2: session closed")
	clientPreface    = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

	// errMaxConcurrentStreamsReached fails a local NewStream call when the
	// peer's advertised MAX_CONCURRENT_STREAMS would be exceeded. This is a
	// local-call failure, not a connection or stream error: REFUSED_STREAM
	// is reserved for the peer exceeding *our* advertised limit (handled as
	// a StreamError in onHeaders).
	errMaxConcurrentStreamsReached = errors.New("http2: max concurrent outbound streams reached")
)

const streamShardCount = 16

type streamShard struct {
	mu      sync.RWMutex
	streams map[uint32]*Stream
}

// Session multiplexes HTTP/2 streams over a single Transport. All mutable
// shared state (streams, settings, windows, close state) is synchronized
// either via sharded locks or atomics; the Flusher is the only goroutine
// that ever writes to the transport.
type Session struct {
	isServer  bool
	transport Transport
	hpack     *HpackAdapter
	log       *logger.Logger
	cfg       *config.Http2Config

	settingsMu   sync.RWMutex
	ourSettings  map[SettingID]uint32
	peerSettings map[SettingID]uint32

	shards [streamShardCount]streamShard

	nextStreamID      atomic.Uint32
	lastPeerStreamID  atomic.Uint32
	concurrentOutbound atomic.Int32
	concurrentInbound  atomic.Int32
	highWaterStreams   atomic.Int32

	closeState   atomic.Int32
	closeOnce    sync.Once
	closeErr     atomic.Pointer[errWrap]
	lastStreamID atomic.Uint32

	flowControl  FlowControlStrategy
	priorityTree *PriorityTree
	flusher      *Flusher
	scheduler    IdleScheduler
	taskPool     *TaskPool

	listener     SessionListener
	headerPolicy HeaderPolicy
	onStreamData func(s *Stream, data []byte, endStream bool)
	metrics      *metrics.SessionMetrics

	idleTimeout time.Duration
	idleCancel  Cancel

	pingMu      sync.Mutex
	pingPending int

	headerAssembly headerAssemblyState

	ctx        context.Context
	cancelFunc context.CancelFunc
	doneCh     chan struct{}
}

type errWrap struct{ err error }

type headerAssemblyState struct {
	active    bool
	streamID  uint32
	endStream bool
	isPush    bool
}

// Options configures a new Session.
type Options struct {
	IsServer     bool
	Config       *config.Http2Config
	Listener     SessionListener
	HeaderPolicy HeaderPolicy
	OnStreamData func(s *Stream, data []byte, endStream bool)
	Logger       *logger.Logger
	Scheduler    IdleScheduler
	BufferPool   BufferPool
	Metrics      *metrics.SessionMetrics
}

// NewSession constructs a Session over transport. Call Serve to run its
// read loop and Flusher.
func NewSession(transport Transport, opts Options) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Http2Config{}
	}
	config.ApplyDefaults(&config.Config{Http2: cfg})
	log := opts.Logger
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = NewWheelScheduler(100 * time.Millisecond)
	}
	bufPool := opts.BufferPool
	if bufPool == nil {
		bufPool = NewBufferPool()
	}
	listener := opts.Listener
	if listener == nil {
		listener = NopSessionListener{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		isServer:     opts.IsServer,
		transport:    transport,
		hpack:        NewHpackAdapter(*cfg.HeaderTableSize),
		log:          log,
		cfg:          cfg,
		ourSettings:  defaultSettingsMap(cfg),
		peerSettings: defaultPeerSettingsMap(),
		priorityTree: NewPriorityTree(),
		scheduler:    scheduler,
		taskPool:     NewTaskPool(32),
		listener:     listener,
		headerPolicy: opts.HeaderPolicy,
		onStreamData: opts.OnStreamData,
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancelFunc:   cancel,
		doneCh:       make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].streams = make(map[uint32]*Stream)
	}

	if cfg.FlowControlStrategy == config.FlowControlStrategyBufferAware {
		s.flowControl = NewBufferAwareFlowControlStrategy(*cfg.InitialWindowSize, *cfg.InitialWindowSize)
	} else {
		s.flowControl = NewSimpleFlowControlStrategy(*cfg.InitialWindowSize)
	}

	s.flusher = NewFlusher(s, transport, bufPool, log)

	if s.isServer {
		s.nextStreamID.Store(2)
	} else {
		s.nextStreamID.Store(1)
	}

	if v := cfg.SessionIdleTimeout; v != nil {
		if d, err := time.ParseDuration(*v); err == nil {
			s.idleTimeout = d
		}
	}

	return s
}

func defaultSettingsMap(cfg *config.Http2Config) map[SettingID]uint32 {
	m := map[SettingID]uint32{
		SettingHeaderTableSize:      *cfg.HeaderTableSize,
		SettingMaxConcurrentStreams: *cfg.MaxConcurrentStreams,
		SettingInitialWindowSize:    *cfg.InitialWindowSize,
		SettingMaxFrameSize:         *cfg.MaxFrameSize,
		SettingMaxHeaderListSize:    *cfg.MaxHeaderListSize,
	}
	if *cfg.EnablePush {
		m[SettingEnablePush] = 1
	} else {
		m[SettingEnablePush] = 0
	}
	return m
}

func defaultPeerSettingsMap() map[SettingID]uint32 {
	return map[SettingID]uint32{
		SettingHeaderTableSize:      config.DefaultHeaderTableSize,
		SettingEnablePush:           1,
		SettingMaxConcurrentStreams: config.DefaultMaxConcurrentStreams,
		SettingInitialWindowSize:    config.DefaultInitialWindowSize,
		SettingMaxFrameSize:         config.DefaultMaxFrameSize,
		SettingMaxHeaderListSize:    config.DefaultMaxHeaderListSize,
	}
}

func (s *Session) shard(streamID uint32) *streamShard {
	return &s.shards[streamID%streamShardCount]
}

func (s *Session) getStream(streamID uint32) *Stream {
	sh := s.shard(streamID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.streams[streamID]
}

func (s *Session) streamCount() int32 {
	n := int32(0)
	for i := range s.shards {
		s.shards[i].mu.RLock()
		n += int32(len(s.shards[i].streams))
		s.shards[i].mu.RUnlock()
	}
	return n
}

func (s *Session) putStream(st *Stream) {
	sh := s.shard(st.id)
	sh.mu.Lock()
	sh.streams[st.id] = st
	sh.mu.Unlock()

	n := s.streamCount()
	for {
		hw := s.highWaterStreams.Load()
		if n <= hw || s.highWaterStreams.CompareAndSwap(hw, n) {
			if n > hw {
				s.metrics.RecordHighWater(int(n))
			}
			break
		}
	}
	s.metrics.RecordStreamOpened(int(n))
}

func (s *Session) removeStream(streamID uint32) {
	sh := s.shard(streamID)
	sh.mu.Lock()
	st, ok := sh.streams[streamID]
	delete(sh.streams, streamID)
	sh.mu.Unlock()
	if !ok {
		return
	}
	s.flowControl.OnStreamDestroyed(streamID)
	s.priorityTree.RemoveStream(streamID)
	if st.local {
		s.concurrentOutbound.Add(-1)
	} else {
		s.concurrentInbound.Add(-1)
	}
	s.metrics.RecordStreamClosed(int(s.streamCount()))
}

// ---- Outbound API ----

// NewStream allocates and opens a locally-initiated stream, sending its
// HEADERS frame with the given already-HPACK-encoded header block.
func (s *Session) NewStream(headerBlock []byte, endStream bool) (*Stream, error) {
	if s.closeState.Load() != int32(stateNotClosed) {
		return nil, errSessionClosed
	}
	s.settingsMu.RLock()
	maxOutbound := s.peerSettings[SettingMaxConcurrentStreams]
	s.settingsMu.RUnlock()
	if int(s.concurrentOutbound.Load()) >= int(maxOutbound) {
		return nil, errMaxConcurrentStreamsReached
	}

	id := s.nextStreamID.Add(2) - 2
	st := newStream(id, true, s, s.ctx)
	s.settingsMu.RLock()
	peerInit := s.peerSettings[SettingInitialWindowSize]
	localInit := s.ourSettings[SettingInitialWindowSize]
	s.settingsMu.RUnlock()
	s.flowControl.OnStreamCreated(id, peerInit, localInit)
	s.priorityTree.AddStream(id, 0, 15, false)

	if err := st.sendHeaders(endStream); err != nil {
		return nil, err
	}
	s.putStream(st)
	s.concurrentOutbound.Add(1)
	st.notIdle()

	frame := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, StreamID: id},
		HeaderBlockFragment: headerBlock,
	}
	frame.Flags |= FlagHeadersEndHeaders
	if endStream {
		frame.Flags |= FlagHeadersEndStream
	}
	s.flusher.EnqueueControl(frame, false, nil)
	return st, nil
}

// Push sends a PUSH_PROMISE associating a new, reserved(local) stream with
// parentID.
func (s *Session) Push(parentID uint32, headerBlock []byte) (*Stream, error) {
	s.settingsMu.RLock()
	pushEnabled := s.peerSettings[SettingEnablePush] != 0
	s.settingsMu.RUnlock()
	if !pushEnabled {
		return nil, NewConnectionError(ErrCodeProtocolError, "peer has disabled push")
	}
	id := s.nextStreamID.Add(2) - 2
	st := newStream(id, true, s, s.ctx)
	st.mu.Lock()
	st.state = StreamStateReservedLocal
	st.mu.Unlock()

	s.settingsMu.RLock()
	peerInit := s.peerSettings[SettingInitialWindowSize]
	localInit := s.ourSettings[SettingInitialWindowSize]
	s.settingsMu.RUnlock()
	s.flowControl.OnStreamCreated(id, peerInit, localInit)
	s.priorityTree.AddStream(id, parentID, 15, false)
	s.putStream(st)
	s.concurrentOutbound.Add(1)

	frame := &PushPromiseFrame{
		FrameHeader:         FrameHeader{Type: FramePushPromise, StreamID: parentID, Flags: FlagPushPromiseEndHeaders},
		PromisedStreamID:    id,
		HeaderBlockFragment: headerBlock,
	}
	s.flusher.EnqueueControl(frame, false, nil)
	return st, nil
}

// Priority sends a PRIORITY frame for streamID.
func (s *Session) Priority(streamID, dependentOn uint32, weight uint8, exclusive bool) {
	s.priorityTree.AddStream(streamID, dependentOn, weight, exclusive)
	frame := &PriorityFrame{
		FrameHeader:      FrameHeader{Type: FramePriority, StreamID: streamID},
		StreamDependency: dependentOn,
		Weight:           weight,
		Exclusive:        exclusive,
	}
	s.flusher.EnqueueControl(frame, false, nil)
}

// Data queues data for streamID, chunked and flow-controlled by the
// Flusher. onFlushed, if non-nil, is called once the entire payload (or an
// error) has been handled.
func (s *Session) Data(streamID uint32, data []byte, endStream bool, onFlushed func(error)) error {
	st := s.getStream(streamID)
	if st == nil {
		return NewStreamError(streamID, ErrCodeStreamClosed, "Data called for unknown stream")
	}
	s.settingsMu.RLock()
	maxFrame := s.peerSettings[SettingMaxFrameSize]
	s.settingsMu.RUnlock()
	s.flusher.EnqueueData(st, data, endStream, maxFrame, onFlushed)
	return nil
}

// Settings sends a SETTINGS frame with the given changes and applies them
// to our local settings view once handed to the transport (see the
// pre-write hook in applySettingsLocally).
func (s *Session) Settings(changes map[SettingID]uint32) {
	settings := make([]Setting, 0, len(changes))
	for id, v := range changes {
		settings = append(settings, Setting{ID: id, Value: v})
	}
	frame := &SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, StreamID: 0}, Settings: settings}
	s.flusher.EnqueueControl(frame, false, func() { s.applySettingsLocally(changes) })
}

// applySettingsLocally applies our own outbound SETTINGS changes to local
// state only after the frame has been handed to the transport, resolving
// the local/remote INITIAL_WINDOW_SIZE ordering question in the Flusher's
// favor: this is the pre-write hook the design notes call for.
func (s *Session) applySettingsLocally(changes map[SettingID]uint32) {
	s.settingsMu.Lock()
	old := s.ourSettings[SettingInitialWindowSize]
	for id, v := range changes {
		s.ourSettings[id] = v
	}
	newVal, changedInitialWindow := changes[SettingInitialWindowSize]
	s.settingsMu.Unlock()
	if changedInitialWindow {
		s.flowControl.UpdateInitialStreamWindow(old, newVal)
	}
}

// Ping sends a PING frame (prepended ahead of queued DATA, per the
// spec's "urgent PING" prepend-queue rule) and tracks it as unacknowledged.
func (s *Session) Ping(opaqueData [8]byte) error {
	s.pingMu.Lock()
	s.pingPending++
	pending := s.pingPending
	s.pingMu.Unlock()

	if s.cfg.MaxUnackedPings != nil && pending > *s.cfg.MaxUnackedPings {
		err := NewConnectionError(ErrCodeEnhanceYourCalm, "too many unacknowledged PINGs")
		s.abort(err)
		return err
	}
	frame := &PingFrame{FrameHeader: FrameHeader{Type: FramePing, StreamID: 0}, OpaqueData: opaqueData}
	s.flusher.EnqueueControl(frame, true, nil)
	return nil
}

// Close begins a graceful shutdown: a GOAWAY is sent with NO_ERROR and the
// last stream id processed so far, transitioning to LOCALLY_CLOSED (or
// straight to CLOSED if the peer already closed their half).
func (s *Session) Close(reason string) {
	s.goAway(ErrCodeNoError, reason)
}

// Abort sends an INTERNAL_ERROR GOAWAY, for a caller-detected fatal
// condition. It follows the same close handshake as Close: the session moves
// to LOCALLY_CLOSED, or to CLOSED if the peer already sent GOAWAY. Unless the
// session reaches CLOSED, Abort does not close the transport or fail queued
// entries.
func (s *Session) Abort(reason string) {
	s.goAway(ErrCodeInternalError, reason)
}

func (s *Session) abort(err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	s.goAway(ErrCodeInternalError, msg)
}

// truncateGoAwayReason truncates reason to at most maxLen UTF-8 bytes,
// cutting only at a rune boundary (not UTF-16 code units).
func truncateGoAwayReason(reason string, maxLen int) string {
	if len(reason) <= maxLen {
		return reason
	}
	b := []byte(reason)[:maxLen]
	for len(b) > 0 && !utf8.RuneStart(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	// Also drop a truncated trailing multi-byte rune.
	if len(b) > 0 {
		if r, size := utf8.DecodeLastRune(b); r == utf8.RuneError && size <= 1 {
			b = b[:len(b)-1]
		}
	}
	return string(b)
}

func (s *Session) goAway(code ErrorCode, reason string) {
	const maxDebugDataLen = 32
	debugData := []byte(truncateGoAwayReason(reason, maxDebugDataLen))
	last := s.lastStreamID.Load()

	for {
		cur := closeState(s.closeState.Load())
		var next closeState
		switch cur {
		case stateNotClosed:
			next = stateLocallyClosed
		case stateRemotelyClosed:
			next = stateClosed
		default:
			return // already locally closed or fully closed
		}
		if s.closeState.CompareAndSwap(int32(cur), int32(next)) {
			break
		}
	}

	frame := &GoAwayFrame{
		FrameHeader:         FrameHeader{Type: FrameGoAway, StreamID: 0},
		LastStreamID:        last,
		ErrorCode:           code,
		AdditionalDebugData: debugData,
	}
	s.flusher.EnqueueControl(frame, true, nil)
	s.metrics.RecordGoAway(uint32(code), "sent")
	safeInvoke(s.log, "OnGoAway", func() { s.listener.OnGoAway(last, code, debugData, true) })

	if closeState(s.closeState.Load()) == stateClosed {
		s.shutdown(nil)
	}
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.closeState.Store(int32(stateClosed))
		s.closeErr.Store(&errWrap{err: err})
		s.cancelFunc()
		s.flusher.Close(err)
		s.transport.Close()
		if s.idleCancel != nil {
			s.idleCancel()
		}
		safeInvoke(s.log, "OnClose", func() { s.listener.OnClose(err) })
		close(s.doneCh)
	})
}

// Done returns a channel closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) onStreamIdleTimeout(streamID uint32) {
	st := s.getStream(streamID)
	if st == nil {
		return
	}
	st.sendRSTStream(ErrCodeCancel)
	frame := GenerateRSTStreamFrame(streamID, ErrCodeCancel, nil)
	s.flusher.EnqueueControl(frame, false, nil)
	safeInvoke(s.log, "OnStreamReset", func() { s.listener.OnStreamReset(streamID, ErrCodeCancel, true) })
}

func (s *Session) notIdle() {
	if s.idleCancel != nil {
		s.idleCancel()
	}
	if s.idleTimeout <= 0 {
		return
	}
	s.idleCancel = s.scheduler.Schedule(s.idleTimeout, func() {
		safeInvoke(s.log, "OnIdleTimeout", s.listener.OnIdleTimeout)
		s.goAway(ErrCodeNoError, "session idle timeout")
	})
}

// ---- Inbound frame handling ----

// Serve runs the Session's read loop (blocking) and its Flusher goroutine.
// It returns once the transport is closed or a connection error occurs.
func (s *Session) Serve() error {
	if s.isServer {
		if err := s.readClientPreface(); err != nil {
			s.shutdown(err)
			return err
		}
	}

	go s.flusher.Run()
	defer s.flusher.Wait()

	s.notIdle()
	for {
		frame, err := ReadFrame(s.transport)
		if err != nil {
			s.shutdown(err)
			return err
		}
		s.notIdle()
		if ferr := s.handleFrame(frame); ferr != nil {
			s.handleError(ferr)
			if _, isConn := ferr.(*ConnectionError); isConn {
				return ferr
			}
		}
		if closeState(s.closeState.Load()) == stateClosed {
			return nil
		}
	}
}

// readClientPreface consumes and validates the fixed 24-byte connection
// preface a client must send before its first frame (RFC 7540 Section 3.5).
func (s *Session) readClientPreface() error {
	buf := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(s.transport, buf); err != nil {
		return NewConnectionErrorWithCause(ErrCodeProtocolError, "failed to read client connection preface", err)
	}
	if !bytes.Equal(buf, clientPreface) {
		return NewConnectionError(ErrCodeProtocolError, "invalid client connection preface")
	}
	return nil
}

func (s *Session) handleError(err error) {
	switch e := err.(type) {
	case *StreamError:
		if st := s.getStream(e.StreamID); st != nil {
			st.sendRSTStream(e.Code)
		}
		frame := GenerateRSTStreamFrame(e.StreamID, e.Code, e)
		s.flusher.EnqueueControl(frame, false, nil)
		safeInvoke(s.log, "OnStreamReset", func() { s.listener.OnStreamReset(e.StreamID, e.Code, true) })
	case *ConnectionError:
		s.goAway(e.Code, e.Msg)
	default:
		safeInvoke(s.log, "OnFailure", func() { s.listener.OnFailure(err) })
	}
}

func (s *Session) handleFrame(frame Frame) error {
	switch f := frame.(type) {
	case *DataFrame:
		return s.onData(f)
	case *HeadersFrame:
		return s.onHeaders(f)
	case *ContinuationFrame:
		return s.onContinuation(f)
	case *PriorityFrame:
		return s.priorityTree.ProcessPriorityFrame(f.StreamID, f)
	case *RSTStreamFrame:
		return s.onRSTStream(f)
	case *SettingsFrame:
		return s.onSettings(f)
	case *PushPromiseFrame:
		return s.onPushPromise(f)
	case *PingFrame:
		return s.onPing(f)
	case *GoAwayFrame:
		return s.onGoAwayReceived(f)
	case *WindowUpdateFrame:
		return s.onWindowUpdate(f)
	default:
		return nil // unknown frame types are ignored per RFC 7540 Section 4.1
	}
}

func (s *Session) onData(f *DataFrame) error {
	size := f.PayloadLen() // payload + pad-length byte + padding, RFC 7540 Section 6.1
	st := s.getStream(f.StreamID)
	if st == nil {
		// Regardless of stream presence, the session recv window must be
		// debited by payload+padding, or the peer's view of available
		// session-level credit desyncs from ours. Since no stream remains to
		// consume this data, immediately credit it back so the session
		// window doesn't stall future sends (Jetty HTTP2Session's null-stream
		// onDataConsumed idiom).
		if err := s.flowControl.OnDataReceived(f.StreamID, size); err != nil {
			if _, isStreamErr := err.(*StreamError); !isStreamErr {
				return err
			}
		}
		s.flowControl.OnDataConsumed(f.StreamID, size)
		return nil
	}
	return st.handleData(f.Data, size, f.Flags&FlagDataEndStream != 0)
}

func (s *Session) onHeaders(f *HeadersFrame) error {
	endStream := f.Flags&FlagHeadersEndStream != 0
	endHeaders := f.Flags&FlagHeadersEndHeaders != 0

	st := s.getStream(f.StreamID)
	if st == nil {
		// A HEADERS frame opening a brand-new stream must use an id
		// strictly greater than every remote stream id seen so far; a
		// duplicate or regressed id is a connection error (RFC 7540
		// Section 5.1.1).
		if f.StreamID <= s.lastStreamID.Load() {
			return NewConnectionError(ErrCodeProtocolError, "stream id is not greater than the last seen remote stream id")
		}
		if int(s.concurrentInbound.Load()) >= int(s.localMaxConcurrentStreams()) {
			return NewStreamError(f.StreamID, ErrCodeRefusedStream, "max concurrent inbound streams reached")
		}
		s.lastStreamID.Store(f.StreamID)
		st = newStream(f.StreamID, false, s, s.ctx)
		s.settingsMu.RLock()
		peerInit := s.peerSettings[SettingInitialWindowSize]
		localInit := s.ourSettings[SettingInitialWindowSize]
		s.settingsMu.RUnlock()
		s.flowControl.OnStreamCreated(f.StreamID, peerInit, localInit)
		s.priorityTree.AddStream(f.StreamID, f.StreamDependency, f.Weight, f.Exclusive)
		s.putStream(st)
		s.concurrentInbound.Add(1)
		safeInvoke(s.log, "OnNewStream", func() { s.listener.OnNewStream(st) })
	}

	s.headerAssembly = headerAssemblyState{active: true, streamID: f.StreamID, endStream: endStream}
	s.hpack.ResetDecoderState()
	if err := s.hpack.DecodeFragment(f.HeaderBlockFragment); err != nil {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "HPACK decode failed", err)
	}
	if endHeaders {
		return s.finishHeaderBlock()
	}
	return nil
}

func (s *Session) onContinuation(f *ContinuationFrame) error {
	if !s.headerAssembly.active || s.headerAssembly.streamID != f.StreamID {
		return NewConnectionError(ErrCodeProtocolError, "CONTINUATION without matching HEADERS")
	}
	if err := s.hpack.DecodeFragment(f.HeaderBlockFragment); err != nil {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "HPACK decode failed", err)
	}
	if f.Flags&FlagContinuationEndHeaders != 0 {
		return s.finishHeaderBlock()
	}
	return nil
}

func (s *Session) finishHeaderBlock() error {
	streamID := s.headerAssembly.streamID
	endStream := s.headerAssembly.endStream
	s.headerAssembly = headerAssemblyState{}

	fields, err := s.hpack.FinishDecoding()
	if err != nil {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "HPACK decode finalize failed", err)
	}
	st := s.getStream(streamID)
	if st == nil {
		return nil
	}
	return st.handleHeaders(fields, endStream)
}

func (s *Session) onPushPromise(f *PushPromiseFrame) error {
	if *s.ourSettingLocked(SettingEnablePush) == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE received with push disabled")
	}
	st := newStream(f.PromisedStreamID, false, s, s.ctx)
	st.mu.Lock()
	st.state = StreamStateReservedRemote
	st.mu.Unlock()
	s.settingsMu.RLock()
	peerInit := s.peerSettings[SettingInitialWindowSize]
	localInit := s.ourSettings[SettingInitialWindowSize]
	s.settingsMu.RUnlock()
	s.flowControl.OnStreamCreated(f.PromisedStreamID, peerInit, localInit)
	s.priorityTree.AddStream(f.PromisedStreamID, f.StreamID, 15, false)
	s.putStream(st)
	s.concurrentInbound.Add(1)

	s.headerAssembly = headerAssemblyState{active: true, streamID: f.PromisedStreamID, isPush: true}
	s.hpack.ResetDecoderState()
	if err := s.hpack.DecodeFragment(f.HeaderBlockFragment); err != nil {
		return NewConnectionErrorWithCause(ErrCodeCompressionError, "HPACK decode failed", err)
	}
	if f.Flags&FlagPushPromiseEndHeaders != 0 {
		return s.finishHeaderBlock()
	}
	return nil
}

func (s *Session) ourSettingLocked(id SettingID) *uint32 {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	v := s.ourSettings[id]
	return &v
}

func (s *Session) localMaxConcurrentStreams() uint32 {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.ourSettings[SettingMaxConcurrentStreams]
}

func (s *Session) onRSTStream(f *RSTStreamFrame) error {
	st := s.getStream(f.StreamID)
	if st == nil {
		return nil
	}
	st.handleRSTStream(f.ErrorCode)
	safeInvoke(s.log, "OnStreamReset", func() { s.listener.OnStreamReset(f.StreamID, f.ErrorCode, false) })
	return nil
}

func (s *Session) onSettings(f *SettingsFrame) error {
	if f.Flags&FlagSettingsAck != 0 {
		return nil
	}
	for _, set := range f.Settings {
		if err := validateSettingValue(set); err != nil {
			return err
		}
	}

	s.settingsMu.Lock()
	oldInitial := s.peerSettings[SettingInitialWindowSize]
	for _, set := range f.Settings {
		s.peerSettings[set.ID] = set.Value
	}
	newInitial, changedInitial := peerInitialWindowChange(f.Settings)
	s.settingsMu.Unlock()

	if changedInitial {
		// The Flusher is the single writer and the sole owner of send-window
		// arithmetic; never mutate it here on the read loop.
		s.flusher.EnqueueFunc(false, func() {
			if err := s.flowControl.UpdateInitialStreamWindow(oldInitial, newInitial); err != nil {
				s.handleError(err)
				return
			}
			s.flusher.WakeParked()
		})
	}
	if sz, ok := changedTableSize(f.Settings); ok {
		s.hpack.SetMaxEncoderDynamicTableSize(sz)
	}

	ack := &SettingsFrame{FrameHeader: FrameHeader{Type: FrameSettings, StreamID: 0, Flags: FlagSettingsAck}}
	s.flusher.EnqueueControl(ack, true, nil)
	safeInvoke(s.log, "OnSettings", func() {
		s.settingsMu.RLock()
		snapshot := make(map[SettingID]uint32, len(s.peerSettings))
		for k, v := range s.peerSettings {
			snapshot[k] = v
		}
		s.settingsMu.RUnlock()
		s.listener.OnSettings(snapshot)
	})
	return nil
}

// validateSettingValue rejects SETTINGS values RFC 7540 Section 6.5.2
// constrains, returning a connection-level PROTOCOL_ERROR.
func validateSettingValue(set Setting) error {
	switch set.ID {
	case SettingEnablePush:
		if set.Value != 0 && set.Value != 1 {
			return NewConnectionError(ErrCodeProtocolError, "SETTINGS_ENABLE_PUSH must be 0 or 1")
		}
	case SettingMaxFrameSize:
		if set.Value < 16384 || set.Value > 16777215 {
			return NewConnectionError(ErrCodeProtocolError, "SETTINGS_MAX_FRAME_SIZE out of range [16384, 16777215]")
		}
	}
	return nil
}

func peerInitialWindowChange(settings []Setting) (uint32, bool) {
	for _, s := range settings {
		if s.ID == SettingInitialWindowSize {
			return s.Value, true
		}
	}
	return 0, false
}

func changedTableSize(settings []Setting) (uint32, bool) {
	for _, s := range settings {
		if s.ID == SettingHeaderTableSize {
			return s.Value, true
		}
	}
	return 0, false
}

func (s *Session) onPing(f *PingFrame) error {
	if f.Flags&FlagPingAck != 0 {
		s.pingMu.Lock()
		if s.pingPending > 0 {
			s.pingPending--
		}
		s.pingMu.Unlock()
		safeInvoke(s.log, "OnPing", func() { s.listener.OnPing(f.OpaqueData, true) })
		return nil
	}
	ack := &PingFrame{FrameHeader: FrameHeader{Type: FramePing, StreamID: 0, Flags: FlagPingAck}, OpaqueData: f.OpaqueData}
	s.flusher.EnqueueControl(ack, true, nil)
	safeInvoke(s.log, "OnPing", func() { s.listener.OnPing(f.OpaqueData, false) })
	return nil
}

func (s *Session) onGoAwayReceived(f *GoAwayFrame) error {
	for {
		cur := closeState(s.closeState.Load())
		var next closeState
		switch cur {
		case stateNotClosed:
			next = stateRemotelyClosed
		case stateLocallyClosed:
			next = stateClosed
		default:
			next = cur
		}
		if s.closeState.CompareAndSwap(int32(cur), int32(next)) {
			if next == stateClosed {
				s.shutdown(nil)
			}
			break
		}
	}
	s.metrics.RecordGoAway(uint32(f.ErrorCode), "received")
	safeInvoke(s.log, "OnGoAway", func() { s.listener.OnGoAway(f.LastStreamID, f.ErrorCode, f.AdditionalDebugData, false) })
	return nil
}

func (s *Session) onWindowUpdate(f *WindowUpdateFrame) error {
	// Forwarded to the Flusher: the single writer owns all send-window
	// arithmetic, so WINDOW_UPDATE must never mutate it directly from the
	// read loop.
	streamID, increment := f.StreamID, f.WindowSizeIncrement
	s.flusher.EnqueueFunc(false, func() {
		if err := s.flowControl.WindowUpdate(streamID, increment); err != nil {
			s.handleError(err)
			return
		}
		s.flusher.WakeParked()
	})
	return nil
}
