package services

import (
	"sync"

	"github.com/samber/lo"
)

// downloadQueue 区域ID的FIFO队列，重复入队为空操作
type downloadQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

func newDownloadQueue() *downloadQueue {
	return &downloadQueue{notify: make(chan struct{}, 1)}
}

// push 入队，已在队列中返回 false
func (q *downloadQueue) push(id string) bool {
	q.mu.Lock()
	if lo.Contains(q.items, id) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, id)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop 取出队首
func (q *downloadQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

// remove 移出队列
func (q *downloadQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = lo.Without(q.items, id)
	return len(q.items) != n
}

func (q *downloadQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *downloadQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.items...)
}
