package taskserver

import (
	"context"
	"sync"
)

// waiters maps a URL to the channels of callers blocked on its submission.
type waiters struct {
	mu sync.Mutex
	m  map[string][]chan string
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string][]chan string)}
}

func (w *waiters) add(url string) chan string {
	ch := make(chan string, 1)
	w.mu.Lock()
	w.m[url] = append(w.m[url], ch)
	w.mu.Unlock()
	return ch
}

func (w *waiters) remove(url string, ch chan string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.m[url]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(w.m, url)
		return
	}
	w.m[url] = list
}

// resolve hands response to every caller waiting on url and returns how many there were.
func (w *waiters) resolve(url, response string) int {
	w.mu.Lock()
	list := w.m[url]
	delete(w.m, url)
	w.mu.Unlock()
	for _, ch := range list {
		ch <- response
	}
	return len(list)
}

// Requester is the producer side of the queue: it enqueues a URL and blocks
// until an agent submits the response for it.
type Requester struct {
	store   Store
	waiters *waiters
}

// SendAndWait enqueues url and returns the submitted response string, or
// ctx's error if it ends first. The URL stays pending if ctx ends.
func (r *Requester) SendAndWait(ctx context.Context, url string) (string, error) {
	ch := r.waiters.add(url)
	defer r.waiters.remove(url, ch)

	if _, err := r.store.Add(ctx, url); err != nil {
		return "", err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
