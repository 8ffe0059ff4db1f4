package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zhouzirui/dm-gateway/backend/internal/model/message"
)

// HTTPMessageStore 通过消息服务写入私信
type HTTPMessageStore struct {
	url    string
	client *http.Client
}

// NewHTTPMessageStore 创建消息服务客户端
func NewHTTPMessageStore(url string, client *http.Client) *HTTPMessageStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPMessageStore{url: url, client: client}
}

type createMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (s *HTTPMessageStore) Persist(ctx context.Context, caller Caller, recipient, content string) (message.Record, error) {
	body, err := json.Marshal(createMessageRequest{To: recipient, Content: content})
	if err != nil {
		return message.Record{}, fmt.Errorf("encode message: %w", err)
	}

	req, err := newBearerRequest(ctx, http.MethodPost, s.url, caller.Credential, bytes.NewReader(body))
	if err != nil {
		return message.Record{}, fmt.Errorf("build store request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return message.Record{}, fmt.Errorf("%w: persist message: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return message.Record{}, &StoreError{Status: resp.StatusCode, Detail: errorDetail(raw)}
	}

	var rec message.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return message.Record{}, fmt.Errorf("%w: decode stored message: %v", ErrUnavailable, err)
	}
	if rec.MessageID == "" {
		return message.Record{}, fmt.Errorf("%w: stored message has no message_id", ErrUnavailable)
	}
	if rec.CreatedAt == "" {
		return message.Record{}, fmt.Errorf("%w: stored message has no created_at", ErrUnavailable)
	}
	return rec, nil
}

// errorDetail 提取错误响应中的 "detail"，非字符串返回 JSON 原文，非 JSON 返回去空白后的文本
func errorDetail(raw []byte) string {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw))
	}

	detail, ok := body["detail"]
	if !ok {
		return ""
	}
	var text string
	if err := json.Unmarshal(detail, &text); err == nil {
		return text
	}
	return string(detail)
}
