package virtual

import (
	"sync"
	"testing"
	"time"

	can "github.com/samsamfire/ecuflash/pkg/can"
	"github.com/stretchr/testify/assert"
)

// A relay server should be running at VCAN_CHANNEL for these to actually
// exchange frames; TestReceiveOwn needs no server since it loops back
// locally.

var VCAN_CHANNEL string = "localhost:18888"

func newVcan(channel string) *VirtualCanBus {
	canBus, _ := NewVirtualCanBus(channel)
	vcan, _ := canBus.(*VirtualCanBus)
	return vcan
}

type FrameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame can.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func TestReceiveOwn(t *testing.T) {
	vcan1 := newVcan(VCAN_CHANNEL)
	defer vcan1.Disconnect()
	frameReceiver := FrameReceiver{frames: make([]can.Frame, 0)}
	vcan1.Subscribe(&frameReceiver)
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}

	vcan1.Send(frame)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, len(frameReceiver.frames))

	vcan1.receiveOwn = true
	vcan1.Send(frame)
	assert.NotEqual(t, 0, len(frameReceiver.frames))
}
