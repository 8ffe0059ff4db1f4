package protocol

import "github.com/zhouzirui/dm-gateway/backend/internal/model/message"

// FrameType 出站帧类型
type FrameType string

const (
	FrameInfo  FrameType = "info"
	FrameError FrameType = "error"
	FrameAck   FrameType = "ack"
	FrameDM    FrameType = "dm"
)

// Frame 写入连接的单个 JSON 对象，只填充与 Type 相关的字段
type Frame struct {
	Type      FrameType `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
}

// Info 构造提示帧
func Info(detail string) Frame {
	return Frame{Type: FrameInfo, Detail: detail}
}

// Error 构造错误帧
func Error(detail string) Frame {
	return Frame{Type: FrameError, Detail: detail}
}

// Ack 构造发送确认帧
func Ack(messageID string) Frame {
	return Frame{Type: FrameAck, MessageID: messageID}
}

// Deliver 根据已持久化的消息构造推送给接收方的帧
func Deliver(rec message.Record) Frame {
	return Frame{
		Type:      FrameDM,
		From:      rec.Sender,
		Content:   rec.Content,
		MessageID: rec.MessageID,
		CreatedAt: rec.CreatedAt,
	}
}
