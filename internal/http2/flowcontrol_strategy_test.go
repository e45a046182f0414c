package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleFlowControlStrategy_DataReceivedDebitsBothWindows(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	s.OnStreamCreated(1, 500, 500)

	require.NoError(t, s.OnDataReceived(1, 100))
	assert.EqualValues(t, 1000, s.SessionSendWindow().Available()) // unaffected: recv window is separate from send
	assert.EqualValues(t, 900, s.sessionRecv.Available())
	assert.EqualValues(t, 400, s.get(1).recv.Available())
}

func TestSimpleFlowControlStrategy_DataReceivedUnknownStream(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	err := s.OnDataReceived(99, 10)
	require.Error(t, err)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, ErrCodeStreamClosed, streamErr.Code)
}

func TestSimpleFlowControlStrategy_OnDataConsumed_RefundsAtHalfWindow(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	s.OnStreamCreated(1, 500, 100) // local (recv) initial window 100

	require.NoError(t, s.OnDataReceived(1, 60))
	streamInc, _ := s.OnDataConsumed(1, 60)
	assert.EqualValues(t, 60, streamInc, "60 consumed bytes cross half of a 100-byte window")
}

func TestSimpleFlowControlStrategy_OnDataConsumed_NoRefundBelowHalf(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	s.OnStreamCreated(1, 500, 100)

	require.NoError(t, s.OnDataReceived(1, 10))
	streamInc, _ := s.OnDataConsumed(1, 10)
	assert.EqualValues(t, 0, streamInc)
}

func TestSimpleFlowControlStrategy_OnDataSending_LimitedBySmallerWindow(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	s.OnStreamCreated(1, 50, 500) // peer (send) initial window only 50

	allowed, err := s.OnDataSending(1, 200)
	require.NoError(t, err)
	assert.EqualValues(t, 50, allowed, "allowed is capped by the stream's send window even though the session window is larger")
}

func TestSimpleFlowControlStrategy_OnDataSending_UnknownStream(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	_, err := s.OnDataSending(42, 10)
	require.Error(t, err)
}

func TestSimpleFlowControlStrategy_WindowUpdate_SessionAndStream(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	s.OnStreamCreated(1, 100, 500)

	_, err := s.OnDataSending(1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 0, s.StreamSendWindow(1).Available())

	require.NoError(t, s.WindowUpdate(1, 50))
	assert.EqualValues(t, 50, s.StreamSendWindow(1).Available())

	require.NoError(t, s.WindowUpdate(0, 20))
	assert.EqualValues(t, 920, s.SessionSendWindow().Available()) // 1000 - 100 sent + 20
}

func TestSimpleFlowControlStrategy_WindowUpdate_UnknownStreamIsNotAnError(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	assert.NoError(t, s.WindowUpdate(404, 10))
}

func TestSimpleFlowControlStrategy_OnStreamDestroyed_ClosesWindows(t *testing.T) {
	s := NewSimpleFlowControlStrategy(1000)
	s.OnStreamCreated(1, 100, 100)
	s.OnStreamDestroyed(1)

	assert.Nil(t, s.StreamSendWindow(1))
}

func TestBufferAwareFlowControlStrategy_WithholdsWindowUpdateAboveHighWatermark(t *testing.T) {
	b := NewBufferAwareFlowControlStrategy(1000, 50)
	b.OnStreamCreated(1, 500, 100)
	b.SetBacklog(1, 80) // above the 50-byte high watermark

	require.NoError(t, b.OnDataReceived(1, 60))
	streamInc, _ := b.OnDataConsumed(1, 60)
	assert.EqualValues(t, 0, streamInc, "WINDOW_UPDATE withheld while backlog sits above the high watermark")
}

func TestBufferAwareFlowControlStrategy_ResumesBelowHighWatermark(t *testing.T) {
	b := NewBufferAwareFlowControlStrategy(1000, 50)
	b.OnStreamCreated(1, 500, 100)
	b.SetBacklog(1, 10)

	require.NoError(t, b.OnDataReceived(1, 60))
	streamInc, _ := b.OnDataConsumed(1, 60)
	assert.EqualValues(t, 60, streamInc)
}

func TestBufferAwareFlowControlStrategy_OnStreamDestroyedClearsBacklog(t *testing.T) {
	b := NewBufferAwareFlowControlStrategy(1000, 50)
	b.OnStreamCreated(1, 500, 100)
	b.SetBacklog(1, 80)
	b.OnStreamDestroyed(1)

	assert.Nil(t, b.StreamSendWindow(1))
}
