// Package eventlog 实现按实例追加的事件日志。
// 每个实例一条从 0 开始、单调无空洞的序列；事件只追加，从不修改。
// 日志同时是实时订阅的扇出源：订阅可指定起始序号，先补发积压再直播，
// 消费方断线后凭最后序号 + 1 重新订阅即可续传。
package eventlog

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/oriys/procflow/internal/domain"
)

// subscriber 是单个订阅者的投递通道。
// 通道写满视为消费过慢：关闭通道，消费方按序号重新订阅续传。
type subscriber struct {
	ch     chan domain.Event
	closed bool
}

// stream 是单个实例的事件序列与订阅者集合。
type stream struct {
	events []domain.Event
	subs   map[*subscriber]struct{}
}

// Log 是全部实例的事件日志。
type Log struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// New 创建空的事件日志。
func New() *Log {
	return &Log{streams: make(map[string]*stream)}
}

// Append 追加一条事件并扇出给订阅者，返回分配的序号。
// payload 为 nil 时事件不携带负载。
func (l *Log) Append(instanceID string, eventType domain.EventType, payload interface{}) domain.Event {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.streams[instanceID]
	if !ok {
		st = &stream{subs: make(map[*subscriber]struct{})}
		l.streams[instanceID] = st
	}

	ev := domain.Event{
		InstanceID: instanceID,
		Seq:        int64(len(st.events)),
		Type:       eventType,
		Payload:    data,
		Timestamp:  time.Now().UTC(),
	}
	st.events = append(st.events, ev)

	for sub := range st.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// 订阅者积压：关闭通道，让其凭序号续传
			sub.closed = true
			close(sub.ch)
			delete(st.subs, sub)
		}
	}
	return ev
}

// Read 返回序号 >= fromSeq 的全部事件。
func (l *Log) Read(instanceID string, fromSeq int64) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.streams[instanceID]
	if !ok {
		return nil
	}
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq >= int64(len(st.events)) {
		return nil
	}
	out := make([]domain.Event, len(st.events)-int(fromSeq))
	copy(out, st.events[fromSeq:])
	return out
}

// Subscribe 从 fromSeq 开始订阅实例事件：先投递积压，再实时直播。
// 返回的取消函数是幂等的；投递通道在取消或消费过慢时关闭。
func (l *Log) Subscribe(instanceID string, fromSeq int64) (<-chan domain.Event, func()) {
	const bufSize = 64

	l.mu.Lock()
	st, ok := l.streams[instanceID]
	if !ok {
		st = &stream{subs: make(map[*subscriber]struct{})}
		l.streams[instanceID] = st
	}

	backlog := l.backlogLocked(st, fromSeq)
	sub := &subscriber{ch: make(chan domain.Event, bufSize+len(backlog))}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	st.subs[sub] = struct{}{}
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
			delete(st.subs, sub)
		}
	}
	return sub.ch, cancel
}

// backlogLocked 返回订阅起点之后的既有事件（调用方须持锁）。
func (l *Log) backlogLocked(st *stream, fromSeq int64) []domain.Event {
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq >= int64(len(st.events)) {
		return nil
	}
	return st.events[fromSeq:]
}

// Seed 用持久化层回放的事件初始化实例序列，仅对空序列生效。
// 进程重启后先 Seed 再恢复追加，序号因此保持连续无空洞。
func (l *Log) Seed(instanceID string, events []domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.streams[instanceID]
	if ok && len(st.events) > 0 {
		return
	}
	if !ok {
		st = &stream{subs: make(map[*subscriber]struct{})}
		l.streams[instanceID] = st
	}
	st.events = append([]domain.Event(nil), events...)
}

// LastSeq 返回实例最后一条事件的序号，无事件时返回 -1。
func (l *Log) LastSeq(instanceID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.streams[instanceID]
	if !ok {
		return -1
	}
	return int64(len(st.events)) - 1
}
