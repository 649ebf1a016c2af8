// Package taskserver is the queue service the agent polls: it keeps the list
// of URLs waiting to be fetched and hands submitted responses back to
// whoever asked for them.
package taskserver

import (
	"context"
	"sync"

	"github.com/austindbirch/session_relay/internal/task"
)

// Store keeps pending task URLs in insertion order. A URL is pending at most once.
type Store interface {
	// Add appends url unless it is already pending; added reports which.
	Add(ctx context.Context, url string) (added bool, err error)
	// Pending lists pending URLs, oldest first.
	Pending(ctx context.Context) ([]string, error)
	// Remove drops url; removed is false if it was not pending.
	Remove(ctx context.Context, url string) (removed bool, err error)
}

// SubmissionRecorder is implemented by stores that keep a history of submissions.
type SubmissionRecorder interface {
	RecordSubmission(ctx context.Context, s task.Submission, matched bool) error
}

type MemoryStore struct {
	mu    sync.Mutex
	order []string
	set   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{set: make(map[string]struct{})}
}

func (m *MemoryStore) Add(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.set[url]; ok {
		return false, nil
	}
	m.set[url] = struct{}{}
	m.order = append(m.order, url)
	return true, nil
}

func (m *MemoryStore) Pending(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MemoryStore) Remove(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.set[url]; !ok {
		return false, nil
	}
	delete(m.set, url)
	for i, u := range m.order {
		if u == url {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}
