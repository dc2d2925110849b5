package chat

import (
	"sort"
	"sync"
)

// ConnManager indexes live connections by id and, once authenticated, by user.
type ConnManager struct {
	mu         sync.RWMutex
	bySnow     map[string]*Conn            // 主索引：conn id -> conn
	byUser     map[string]map[string]*Conn // 辅助索引：userID -> (conn id -> conn)
	maxPerUser int
}

func NewConnManager(maxPerUser int) *ConnManager {
	return &ConnManager{
		bySnow:     make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
		maxPerUser: maxPerUser,
	}
}

func (m *ConnManager) add(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySnow[c.id] = c
}

// bindUser moves c into the user index. When the user is over the
// per-user limit the oldest connections are returned for eviction.
func (m *ConnManager) bindUser(c *Conn, userID string) (evict []*Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bySnow[c.id]; !ok {
		return nil
	}
	mm := m.byUser[userID]
	if mm == nil {
		mm = make(map[string]*Conn)
		m.byUser[userID] = mm
	}
	mm[c.id] = c
	if m.maxPerUser <= 0 || len(mm) <= m.maxPerUser {
		return nil
	}

	// 超限：淘汰最老的连接
	all := make([]*Conn, 0, len(mm))
	for _, x := range mm {
		if x != c {
			all = append(all, x)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })
	evict = all[:len(mm)-m.maxPerUser]
	for _, x := range evict {
		delete(mm, x.id)
	}
	return evict
}

func (m *ConnManager) remove(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.bySnow[c.id]; !ok || cur != c {
		return
	}
	delete(m.bySnow, c.id)
	if u := c.User(); u != nil {
		if mm := m.byUser[u.ID]; mm != nil {
			delete(mm, c.id)
			if len(mm) == 0 {
				delete(m.byUser, u.ID)
			}
		}
	}
}

func (m *ConnManager) Get(id string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySnow[id]
}

// ListUserConns returns the user's connections, oldest first.
func (m *ConnManager) ListUserConns(userID string) []*Conn {
	m.mu.RLock()
	out := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

func (m *ConnManager) listAll() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.bySnow))
	for _, c := range m.bySnow {
		out = append(out, c)
	}
	return out
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySnow)
}

func (m *ConnManager) Users() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}
