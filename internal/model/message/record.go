package message

// Record 消息服务返回的私信记录，网关原样转发，不做修改
type Record struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      *int64 `json:"expires_at,omitempty"`
}
