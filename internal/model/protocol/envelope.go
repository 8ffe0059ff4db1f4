package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownType 格式正确但类型不受支持
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrMalformed 非法 JSON 或缺少必填字段
	ErrMalformed = errors.New("malformed envelope")
)

var validate = validator.New()

// Kind 入站消息的类型标识
type Kind string

const (
	KindDirectMessage Kind = "dm"
)

// DirectMessage "dm" 消息的载荷
type DirectMessage struct {
	To      string `json:"to" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// Envelope 解码后的入站帧，已知 Kind 恰好对应一个载荷字段
type Envelope struct {
	Kind          Kind
	DirectMessage *DirectMessage
}

type header struct {
	Type string `json:"type"`
}

// Decode 解析单个入站帧。未知类型返回 ErrUnknownType，Kind 保留原始标识
func Decode(raw []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Kind(h.Type) {
	case KindDirectMessage:
		var dm DirectMessage
		if err := json.Unmarshal(raw, &dm); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := validate.Struct(dm); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Envelope{Kind: KindDirectMessage, DirectMessage: &dm}, nil
	default:
		return Envelope{Kind: Kind(h.Type)}, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
}
