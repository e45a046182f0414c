package http2

import (
	"h2session/internal/logger"
)

// SessionListener receives notifications about session and stream
// lifecycle events. Every method is invoked through safeInvoke, so a
// panicking implementation cannot take the engine down; callbacks run
// inline on the calling goroutine, so a slow one delays it - this
// replaces the original Session.Listener's many abstract notify methods
// with one interface whose invocation discipline lives in one place.
type SessionListener interface {
	// OnNewStream is called when a peer-initiated stream is accepted.
	OnNewStream(s *Stream)
	// OnSettings is called once a SETTINGS frame (not an ack) has been
	// applied.
	OnSettings(settings map[SettingID]uint32)
	// OnPing is called for both PING and PING ack frames; ack reports which.
	OnPing(opaqueData [8]byte, ack bool)
	// OnStreamReset is called when a stream is reset, locally or remotely.
	OnStreamReset(streamID uint32, code ErrorCode, local bool)
	// OnGoAway is called when a GOAWAY is sent or received.
	OnGoAway(lastStreamID uint32, code ErrorCode, debugData []byte, local bool)
	// OnClose is called once the session has fully closed.
	OnClose(err error)
	// OnIdleTimeout is called when the session-wide idle timer fires.
	OnIdleTimeout()
	// OnFailure is called for any error the session cannot otherwise
	// surface through a more specific callback.
	OnFailure(err error)
}

// NopSessionListener implements SessionListener with no-op methods; embed
// it to implement only the callbacks a caller cares about.
type NopSessionListener struct{}

func (NopSessionListener) OnNewStream(*Stream)                                     {}
func (NopSessionListener) OnSettings(map[SettingID]uint32)                         {}
func (NopSessionListener) OnPing([8]byte, bool)                                    {}
func (NopSessionListener) OnStreamReset(uint32, ErrorCode, bool)                   {}
func (NopSessionListener) OnGoAway(uint32, ErrorCode, []byte, bool)                {}
func (NopSessionListener) OnClose(error)                                          {}
func (NopSessionListener) OnIdleTimeout()                                         {}
func (NopSessionListener) OnFailure(error)                                        {}

// safeInvoke runs f, recovering any panic and logging it instead of letting
// it propagate into the engine's own goroutines.
func safeInvoke(log *logger.Logger, what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("session listener callback panicked", logger.LogFields{
					"callback": what,
					"panic":    r,
				})
			}
		}
	}()
	f()
}
