package uds

import (
	"testing"
	"time"

	ecuflash "github.com/samsamfire/ecuflash"
	can "github.com/samsamfire/ecuflash/pkg/can"
	"github.com/samsamfire/ecuflash/pkg/isotp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBus is an idealized ECU: it replies to any single- or first-frame
// request with whatever respond(sid) returns (nil simulates a timeout),
// always as a single frame, and auto-acks first frames with a "continue"
// flow control so multi-frame requests (e.g. SendKey) complete.
type mockBus struct {
	sent     [][]byte
	listener can.FrameListener
	respond  func(sid byte) []byte
}

func (m *mockBus) Connect(...any) error { return nil }
func (m *mockBus) Disconnect() error    { return nil }

func (m *mockBus) Send(frame can.Frame) error {
	data := append([]byte{}, frame.Data[:]...)
	m.sent = append(m.sent, data)

	var sid byte
	switch data[0] >> 4 {
	case 0x0:
		sid = data[1]
	case 0x1:
		sid = data[2]
		m.deliver([]byte{0x30, 0x00, 0x00, 0, 0, 0, 0, 0})
	default:
		return nil
	}
	if m.respond == nil {
		return nil
	}
	payload := m.respond(sid)
	if payload == nil {
		return nil
	}
	if len(payload) > 7 {
		panic("mockBus: scripted response payload too long for a single frame")
	}
	resp := make([]byte, 8)
	resp[0] = byte(len(payload))
	copy(resp[1:], payload)
	m.deliver(resp)
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
	can.RegisterInterface("uds-mock", func(channel string) (can.Bus, error) {
		b := &mockBus{}
		createdMocks = append(createdMocks, b)
		return b, nil
	})
}

func newTestClient(t *testing.T, respond func(sid byte) []byte) (*Client, *mockBus) {
	t.Helper()
	link, err := can.Open("uds-mock", "test", 500000, nil)
	require.NoError(t, err)
	mock := createdMocks[len(createdMocks)-1]
	mock.respond = respond
	tp := isotp.New(link, 0x7E0, 0x7E8, nil)
	fastTimings := Timings{P2: 100 * time.Millisecond, P2S: time.Second, S3: 40 * time.Millisecond}
	return New(tp, fastTimings, nil), mock
}

func TestDiagnosticSessionControlPositive(t *testing.T) {
	client, _ := newTestClient(t, func(sid byte) []byte {
		if sid == 0x10 {
			return []byte{0x50, 0x03}
		}
		return nil
	})
	payload, err := client.DiagnosticSessionControl(0x03)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, payload)
}

func TestNegativeResponseSurfacesNRC(t *testing.T) {
	client, _ := newTestClient(t, func(sid byte) []byte {
		return []byte{0x7F, sid, 0x22}
	})
	_, err := client.DiagnosticSessionControl(0x03)
	require.Error(t, err)
	var nre *ecuflash.NegativeResponseError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, byte(0x10), nre.SID)
	assert.Equal(t, byte(0x22), nre.NRC)
}

func TestUnexpectedSIDIsSurfaced(t *testing.T) {
	client, _ := newTestClient(t, func(sid byte) []byte {
		return []byte{0x51, 0x01}
	})
	_, err := client.DiagnosticSessionControl(0x03)
	require.Error(t, err)
	var use *ecuflash.UnexpectedSIDError
	require.ErrorAs(t, err, &use)
	assert.Equal(t, byte(0x50), use.Expected)
	assert.Equal(t, byte(0x51), use.Got)
}

func TestRequestDownloadChunkCapacity(t *testing.T) {
	client, _ := newTestClient(t, func(sid byte) []byte {
		if sid == 0x34 {
			// lfid: M=2 in high nibble, maxNumberOfBlockLength = 0x0082 (130)
			return []byte{0x74, 0x20, 0x00, 0x82}
		}
		return nil
	})
	capacity, err := client.RequestDownload(0xFF1E0000, 25014)
	require.NoError(t, err)
	assert.Equal(t, 0x82-2, capacity)
}

func TestRequestDownloadRejectsZeroM(t *testing.T) {
	client, _ := newTestClient(t, func(sid byte) []byte {
		return []byte{0x74, 0x00}
	})
	_, err := client.RequestDownload(0, 1)
	assert.ErrorIs(t, err, ecuflash.ErrMalformedResponse)
}

func TestSendKeyMultiFrameRequest(t *testing.T) {
	client, mock := newTestClient(t, func(sid byte) []byte {
		if sid == 0x27 {
			return []byte{0x67, 0x04}
		}
		return nil
	})
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	err := client.SendKey(0x03, key)
	require.NoError(t, err)
	// SID(1) + level(1) + 16 key bytes = 18 bytes, must have gone multi-frame
	assert.Greater(t, len(mock.sent), 1)
}

func TestTesterPresentUsedForKeepAlive(t *testing.T) {
	var testerPresentCount int
	client, _ := newTestClient(t, func(sid byte) []byte {
		if sid == 0x3E {
			testerPresentCount++
			return []byte{0x7E, 0x00}
		}
		if sid == 0x10 {
			return []byte{0x50, 0x01}
		}
		return nil
	})
	_, err := client.DiagnosticSessionControl(0x01)
	require.NoError(t, err)
	assert.Equal(t, 0, testerPresentCount)

	time.Sleep(50 * time.Millisecond) // exceed S3/2 = 20ms
	_, err = client.DiagnosticSessionControl(0x01)
	require.NoError(t, err)
	assert.Equal(t, 1, testerPresentCount)
}
