package upstream

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/dm-gateway/backend/internal/model/message"
)

// messageTTL 与消息服务写入的过期时间一致
const messageTTL = 24 * time.Hour

// MemoryDirectory 基于固定用户名集合的用户目录，用于本地开发
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// NewMemoryDirectory 创建包含给定用户的目录
func NewMemoryDirectory(usernames ...string) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]struct{}, len(usernames))}
	for _, name := range usernames {
		d.Add(name)
	}
	return d
}

// Add 添加用户
func (d *MemoryDirectory) Add(username string) {
	username = strings.TrimSpace(username)
	if username == "" {
		return
	}
	d.mu.Lock()
	d.users[username] = struct{}{}
	d.mu.Unlock()
}

func (d *MemoryDirectory) Exists(_ context.Context, _ Caller, username string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[username]
	return ok, nil
}

// MemoryMessageStore 按会话分区保存在进程内存中的消息存储
type MemoryMessageStore struct {
	mu            sync.RWMutex
	conversations map[string][]message.Record
	now           func() time.Time
}

// NewMemoryMessageStore 创建空的内存消息存储
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		conversations: make(map[string][]message.Record),
		now:           time.Now,
	}
}

// ConversationID 双方共享的会话分区键
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "#")
}

func (s *MemoryMessageStore) Persist(_ context.Context, caller Caller, recipient, content string) (message.Record, error) {
	if caller.Username == recipient {
		return message.Record{}, &StoreError{Status: 400, Detail: "Cannot send a message to yourself"}
	}

	now := s.now().UTC()
	expiresAt := now.Add(messageTTL).Unix()
	rec := message.Record{
		MessageID:      uuid.NewString(),
		ConversationID: ConversationID(caller.Username, recipient),
		Sender:         caller.Username,
		Recipient:      recipient,
		Content:        content,
		CreatedAt:      now.Format("2006-01-02T15:04:05.000000"),
		ExpiresAt:      &expiresAt,
	}

	s.mu.Lock()
	s.conversations[rec.ConversationID] = append(s.conversations[rec.ConversationID], rec)
	s.mu.Unlock()

	return rec, nil
}

// Conversation 按时间顺序返回 a 与 b 之间的消息
func (s *MemoryMessageStore) Conversation(a, b string) []message.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]message.Record(nil), s.conversations[ConversationID(a, b)]...)
}
