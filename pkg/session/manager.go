// Package session manages tenant sessions and the sliding-window bearer
// tokens that authenticate them.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// Service names an agent-side capability a session can register.
type Service string

// Registerable services.
const (
	ServiceLLM       Service = "llm"
	ServiceApproval  Service = "approval"
	ServiceEmbedding Service = "embedding"
)

// Session is a tenant's active connection. The token itself is stateless;
// the session tracks what the agent registered and when it was last seen.
type Session struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	mu         sync.RWMutex
	lastSeen   time.Time
	services   map[Service]bool
	tools      []models.ClientTool
}

// Touch marks the session as active.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

// RegisterServices adds services to the session.
func (s *Session) RegisterServices(services ...Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range services {
		s.services[svc] = true
	}
}

// HasService reports whether the session registered a service.
func (s *Session) HasService(svc Service) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services[svc]
}

// Services returns the registered service names.
func (s *Session) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.services))
	for svc := range s.services {
		out = append(out, string(svc))
	}
	return out
}

// RegisterTools replaces a namespace's client tools with the given
// descriptors.
func (s *Session) RegisterTools(tools []models.ClientTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := map[string]bool{}
	for _, t := range tools {
		replaced[t.Namespace] = true
	}
	kept := s.tools[:0]
	for _, t := range s.tools {
		if !replaced[t.Namespace] {
			kept = append(kept, t)
		}
	}
	s.tools = append(kept, tools...)
}

// Tools returns a copy of the registered client tool descriptors.
func (s *Session) Tools() []models.ClientTool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ClientTool(nil), s.tools...)
}

// Manager tracks sessions in memory. A tenant has one active session; a new
// init replaces the previous one. Idle sessions are destroyed by the reaper.
type Manager struct {
	mu       sync.RWMutex
	byTenant map[string]*Session

	idleTimeout time.Duration
	now         func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a session manager and starts the idle reaper.
func NewManager(idleTimeout time.Duration) *Manager {
	m := &Manager{
		byTenant:    map[string]*Session{},
		idleTimeout: idleTimeout,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	go m.reaper()
	return m
}

// Create starts a session for a tenant, replacing any existing one.
func (m *Manager) Create(tenantID string) *Session {
	now := m.now()
	session := &Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		CreatedAt: now,
		lastSeen:  now,
		services:  map[Service]bool{},
	}
	m.mu.Lock()
	m.byTenant[tenantID] = session
	m.mu.Unlock()
	return session
}

// Get returns the tenant's active session, or nil.
func (m *Manager) Get(tenantID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTenant[tenantID]
}

// Destroy removes the tenant's session.
func (m *Manager) Destroy(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byTenant, tenantID)
}

// Close stops the reaper.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) reaper() {
	if m.idleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := m.now().Add(-m.idleTimeout)
			m.mu.Lock()
			for tenant, session := range m.byTenant {
				session.mu.RLock()
				idle := session.lastSeen.Before(cutoff)
				session.mu.RUnlock()
				if idle {
					delete(m.byTenant, tenant)
				}
			}
			m.mu.Unlock()
		}
	}
}
