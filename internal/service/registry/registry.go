package registry

import "sync"

// Registry 身份到在线连接的映射，每个身份最多一个连接，仅表示可推送，不代表认证记录
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// New 创建空连接表
func New() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
	}
}

// Register 绑定 identity 与 conn 并替换旧绑定，返回被替换的连接，是否关闭由调用方决定
func (r *Registry) Register(identity string, conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.connections[identity]
	r.connections[identity] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Lookup 返回 identity 当前绑定的连接
func (r *Registry) Lookup(identity string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[identity]
	return conn, ok
}

// Deregister 仅当 identity 仍绑定 conn 时移除，返回是否移除
func (r *Registry) Deregister(identity string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.connections[identity]
	if !ok || current != conn {
		return false
	}
	delete(r.connections, identity)
	return true
}

// Count 返回已注册的身份数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll 清空连接表，并以给定关闭码关闭所有连接
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for identity, conn := range r.connections {
		conns = append(conns, conn)
		delete(r.connections, identity)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseWith(code, reason)
	}
}
