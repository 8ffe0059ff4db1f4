package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// ErrConnectionClosed 连接已关闭
var ErrConnectionClosed = errors.New("connection closed")

// Transport Connection 使用的 *websocket.Conn 写方法子集
type Transport interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection 身份与其在线传输的绑定。所属会话与其他会话的推送可能并发，写操作需串行
type Connection struct {
	ID        string
	Identity  string
	CreatedAt time.Time

	transport    Transport
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConnection 包装传输，writeTimeout 为 0 时不设置写超时
func NewConnection(identity string, transport Transport, writeTimeout time.Duration) *Connection {
	return &Connection{
		ID:           ulid.Make().String(),
		Identity:     identity,
		CreatedAt:    time.Now().UTC(),
		transport:    transport,
		writeTimeout: writeTimeout,
	}
}

// Send 以单个 JSON 帧写出 v
func (c *Connection) Send(v any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.transport.WriteJSON(v)
}

// Ping 发送 ping 控制帧，可与 Send 并发
func (c *Connection) Ping() error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.transport.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// CloseWith 发送带关闭码与原因的关闭帧，然后关闭传输
func (c *Connection) CloseWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// 对端可能已断开
		_ = c.transport.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), c.deadline())
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Close 直接关闭传输，不发送关闭帧
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Closed 是否已关闭
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

func (c *Connection) deadline() time.Time {
	timeout := c.writeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return time.Now().Add(timeout)
}
