package storage

import (
	"context"
	"sync"

	"patchwatch/internal/post"
)

type memStore struct {
	mu     sync.Mutex
	rcpt   Recipients
	last   *post.Artifact
	audit  []AuditEntry
	closed bool
}

func newMemStore() *memStore {
	return &memStore{rcpt: emptyRecipients()}
}

func (s *memStore) LoadRecipients(ctx context.Context) (Recipients, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRecipients(s.rcpt), nil
}

func (s *memStore) PutGroup(ctx context.Context, g GroupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcpt.Groups[g.GroupID] = g
	return nil
}

func (s *memStore) DeleteGroup(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rcpt.Groups[id]
	delete(s.rcpt.Groups, id)
	return ok, nil
}

func (s *memStore) PutDirect(ctx context.Context, d DirectRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcpt.Direct[d.UserID] = d
	return nil
}

func (s *memStore) DeleteDirect(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rcpt.Direct[id]
	delete(s.rcpt.Direct, id)
	return ok, nil
}

func (s *memStore) LoadPost(ctx context.Context) (*post.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, nil
	}
	cp := *s.last
	return &cp, nil
}

func (s *memStore) SavePost(ctx context.Context, art *post.Artifact) error {
	if art == nil {
		return nil
	}
	cp := *art
	s.mu.Lock()
	s.last = &cp
	s.mu.Unlock()
	return nil
}

func (s *memStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func copyRecipients(r Recipients) Recipients {
	out := Recipients{
		Groups: make(map[int64]GroupRecord, len(r.Groups)),
		Direct: make(map[int64]DirectRecord, len(r.Direct)),
	}
	for k, v := range r.Groups {
		out.Groups[k] = v
	}
	for k, v := range r.Direct {
		out.Direct[k] = v
	}
	return out
}
