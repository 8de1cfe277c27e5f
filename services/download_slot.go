package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	errPaused   = errors.New("download paused")
	errDeleted  = errors.New("area deleted")
	errShutdown = errors.New("download manager stopped")
)

// downloadHandle 当前活动下载的句柄
type downloadHandle struct {
	areaID  string
	cancel  context.CancelCauseFunc
	done    chan struct{}
	deleted atomic.Bool
}

// downloadSlot 全局唯一的下载槽位，同一时刻只有一个区域持有
type downloadSlot struct {
	mu     sync.Mutex
	handle *downloadHandle
}

// acquire 占用槽位并返回下载上下文；槽位已被占用时返回 false
func (s *downloadSlot) acquire(parent context.Context, areaID string) (context.Context, *downloadHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	h := &downloadHandle{areaID: areaID, cancel: cancel, done: make(chan struct{})}
	s.handle = h
	return ctx, h, true
}

// release 释放槽位并唤醒等待者
func (s *downloadSlot) release(h *downloadHandle) {
	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.mu.Unlock()
	h.cancel(nil)
	close(h.done)
}

// active 当前活动区域ID
func (s *downloadSlot) active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.areaID
}

// interrupt 以指定原因取消区域的活动下载，返回其结束信号；区域不在下载时返回 nil
func (s *downloadSlot) interrupt(areaID string, cause error) <-chan struct{} {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil || h.areaID != areaID {
		return nil
	}
	if errors.Is(cause, errDeleted) {
		h.deleted.Store(true)
	}
	h.cancel(cause)
	return h.done
}
