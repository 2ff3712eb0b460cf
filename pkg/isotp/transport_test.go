package isotp

import (
	"testing"
	"time"

	ecuflash "github.com/samsamfire/ecuflash"
	can "github.com/samsamfire/ecuflash/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBus is a Bus test double: Send() records the raw frame bytes and,
// when the frame is a First Frame, synthesizes a "continue, BS=0,
// STmin=0" flow control reply so multi-frame sends can complete without a
// real peer.
type mockBus struct {
	sent     [][]byte
	listener can.FrameListener
	autoFC   bool
}

func (m *mockBus) Connect(...any) error { return nil }
func (m *mockBus) Disconnect() error    { return nil }

func (m *mockBus) Send(frame can.Frame) error {
	data := append([]byte{}, frame.Data[:]...)
	m.sent = append(m.sent, data)
	if m.autoFC && data[0]>>4 == pciTypeFirst {
		m.deliver([]byte{0x30, 0x00, 0x00, 0, 0, 0, 0, 0})
	}
	return nil
}

func (m *mockBus) Subscribe(l can.FrameListener) error {
	m.listener = l
	return nil
}

func (m *mockBus) deliver(data []byte) {
	var frame can.Frame
	frame.DLC = uint8(len(data))
	copy(frame.Data[:], data)
	m.listener.Handle(frame)
}

var createdMocks []*mockBus

func init() {
	can.RegisterInterface("isotp-mock", func(channel string) (can.Bus, error) {
		b := &mockBus{autoFC: true}
		createdMocks = append(createdMocks, b)
		return b, nil
	})
}

func newTestTransport(t *testing.T) (*Transport, *mockBus) {
	t.Helper()
	link, err := can.Open("isotp-mock", "test", 500000, nil)
	require.NoError(t, err)
	mock := createdMocks[len(createdMocks)-1]
	return New(link, 0x7E0, 0x7E8, nil), mock
}

func TestSingleFrameRoundtrip(t *testing.T) {
	tp, mock := newTestTransport(t)

	err := tp.Send([]byte{0x10, 0x03}, time.Second)
	require.NoError(t, err)
	require.Len(t, mock.sent, 1)
	assert.Equal(t, []byte{0x02, 0x10, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00}, mock.sent[0])

	mock.deliver([]byte{0x02, 0x50, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00})
	resp, err := tp.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x03}, resp)
}

func TestSingleFrameBoundaryLength7(t *testing.T) {
	tp, mock := newTestTransport(t)
	payload := []byte{1, 2, 3, 4, 5, 6, 7}
	require.NoError(t, tp.Send(payload, time.Second))
	require.Len(t, mock.sent, 1)
	assert.Equal(t, byte(0x07), mock.sent[0][0])
}

func TestMultiFrameSendProperties(t *testing.T) {
	tp, mock := newTestTransport(t)
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, tp.Send(payload, time.Second))

	// 1 + ceil((20-6)/7) = 1 + 2 = 3 frames
	require.Len(t, mock.sent, 3)

	assert.Equal(t, byte(0x10), mock.sent[0][0]&0xF0)
	total := (int(mock.sent[0][0]&0x0F) << 8) | int(mock.sent[0][1])
	assert.Equal(t, 20, total)

	var reassembled []byte
	reassembled = append(reassembled, mock.sent[0][2:8]...)

	seq := byte(1)
	for _, cf := range mock.sent[1:] {
		assert.Equal(t, byte(0x20), cf[0]&0xF0)
		assert.Equal(t, seq, cf[0]&0x0F)
		seq = (seq + 1) % 16
		reassembled = append(reassembled, cf[1:]...)
	}
	assert.Equal(t, payload, reassembled[:len(payload)])
}

func TestMultiFrameReceive(t *testing.T) {
	tp, mock := newTestTransport(t)
	mock.autoFC = false

	total := 20
	ff := []byte{0x10, byte(total), 0, 1, 2, 3, 4, 5}
	mock.deliver(ff)

	done := make(chan struct{})
	var got []byte
	var recvErr error
	go func() {
		got, recvErr = tp.Recv(time.Second)
		close(done)
	}()

	// give Recv time to send its CTS flow control before following up
	time.Sleep(20 * time.Millisecond)
	mock.deliver([]byte{0x21, 6, 7, 8, 9, 10, 11, 12})
	mock.deliver([]byte{0x22, 13, 14, 15, 16, 17, 18, 19})
	<-done

	require.NoError(t, recvErr)
	expected := make([]byte, total)
	for i := range expected {
		expected[i] = byte(i)
	}
	assert.Equal(t, expected, got)

	require.Len(t, mock.sent, 1)
	assert.Equal(t, byte(0x30), mock.sent[0][0])
}

func TestSequenceMismatchIsFatal(t *testing.T) {
	tp, mock := newTestTransport(t)
	mock.autoFC = false

	mock.deliver([]byte{0x10, 20, 0, 1, 2, 3, 4, 5})

	done := make(chan struct{})
	var recvErr error
	go func() {
		_, recvErr = tp.Recv(time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	// wrong sequence number: should be 1, send 2
	mock.deliver([]byte{0x22, 6, 7, 8, 9, 10, 11, 12})
	<-done

	assert.ErrorIs(t, recvErr, ecuflash.ErrSequenceMismatch)
}

func TestFlowControlWaitIsFatal(t *testing.T) {
	tp, mock := newTestTransport(t)
	mock.autoFC = false
	payload := make([]byte, 20)

	done := make(chan struct{})
	var sendErr error
	go func() {
		sendErr = tp.Send(payload, 200*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	mock.deliver([]byte{0x31, 0, 0, 0, 0, 0, 0, 0})
	<-done
	assert.ErrorIs(t, sendErr, ecuflash.ErrTransportWait)
}
