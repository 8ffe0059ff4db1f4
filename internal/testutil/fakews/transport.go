// Package fakews 提供内存中的 WebSocket 连接替身
package fakews

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/dm-gateway/backend/internal/model/protocol"
)

var errClosed = errors.New("fakews: use of closed connection")

// Transport 记录所有写入内容
type Transport struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	pings     int
	closed    bool
	closeCode int

	// FailWrites 为 true 时 WriteJSON 总是失败
	FailWrites bool
}

// New 创建替身连接
func New() *Transport {
	return &Transport{}
}

func (t *Transport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errClosed
	}
	if t.FailWrites {
		return errors.New("fakews: write failed")
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *Transport) WriteControl(messageType int, data []byte, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errClosed
	}
	switch messageType {
	case websocket.PingMessage:
		t.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			t.closeCode = int(binary.BigEndian.Uint16(data))
		}
	}
	return nil
}

func (t *Transport) SetWriteDeadline(time.Time) error {
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Frames 返回已写入帧的副本
func (t *Transport) Frames() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Frame(nil), t.frames...)
}

// FramesOf 返回指定类型的帧
func (t *Transport) FramesOf(kind protocol.FrameType) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range t.Frames() {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

// Closed 是否已关闭
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCode 最后一次关闭帧的关闭码，没有则为 0
func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// Pings 已发送的 ping 次数
func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}
