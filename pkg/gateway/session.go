package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session is the resumable connection state. Persisted on READY, RESUMED and
// every sequence advance so a restart can resume instead of re-identifying.
type Session struct {
	Token            string `json:"token"`
	SessionID        string `json:"sessionId"`
	Sequence         int64  `json:"sequence"`
	ResumeGatewayURL string `json:"resumeGatewayUrl"`
	Timestamp        int64  `json:"timestamp"`
	UserID           string `json:"userId,omitempty"`
}

// SessionStore persists gateway sessions. Load returns nil, nil when no
// session exists for the token.
type SessionStore interface {
	Load(token string) (*Session, error)
	Save(session *Session) error
	Delete(token string) error
}

// MemoryStore keeps sessions in-process. The default store; resumes survive
// reconnects but not restarts.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Load(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	cp := sess
	return &cp, nil
}

func (s *MemoryStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Token] = *session
	return nil
}

func (s *MemoryStore) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

// FileStore persists one session per token as a JSON file, so resumes
// survive process restarts.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path derives a stable filename from the token without writing the token
// itself to disk metadata.
func (s *FileStore) path(token string) string {
	return filepath.Join(s.dir, fmt.Sprintf("session_%08x.json", fnv32(token)))
}

func (s *FileStore) Load(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path(token))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Token != token {
		// Filename collision with another token's session.
		return nil, nil
	}
	return &sess, nil
}

func (s *FileStore) Save(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.Timestamp == 0 {
		session.Timestamp = time.Now().UnixMilli()
	}
	raw, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated session.
	path := s.path(session.Token)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(token))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
