package directory

import (
	"context"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Memory is an in-process directory for development and tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]User
	projects map[string]Project
	pages    map[string]StatusPage // by slug
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		projects: make(map[string]Project),
		pages:    make(map[string]StatusPage),
	}
}

// Seed is the on-disk fixture format.
type Seed struct {
	Users       []User       `json:"users"`
	Projects    []Project    `json:"projects"`
	StatusPages []StatusPage `json:"statusPages"`
}

// LoadSeedFile fills a Memory directory from a JSON fixture.
func LoadSeedFile(path string) (*Memory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read seed %s", path)
	}
	var s Seed
	if err := jsoniter.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrapf(err, "decode seed %s", path)
	}
	m := NewMemory()
	for _, u := range s.Users {
		m.PutUser(u)
	}
	for _, p := range s.Projects {
		m.PutProject(p)
	}
	for _, p := range s.StatusPages {
		m.PutStatusPage(p)
	}
	return m, nil
}

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *Memory) PutProject(p Project) {
	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) PutStatusPage(p StatusPage) {
	m.mu.Lock()
	m.pages[p.Slug] = p
	m.mu.Unlock()
}

func (m *Memory) LookupUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *Memory) LookupProject(_ context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.projects[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) LookupStatusPageBySlug(_ context.Context, slug string) (*StatusPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.pages[slug]; ok {
		return &p, nil
	}
	return nil, nil
}
