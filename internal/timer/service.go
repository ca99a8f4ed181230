// Package timer 驱动引擎的时间侧推进：周期触发到期定时等待与
// 定时边界，并回收过期的任务租约。引擎本身从不自发走动，
// 所有时间推进都经由本服务注入。
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Engine 定义定时服务所需的最小引擎能力。
type Engine interface {
	FireDueTimers(ctx context.Context, now time.Time) int
	SweepLeases(now time.Time) int
}

// Service 是定时推进服务。
type Service struct {
	engine   Engine
	interval time.Duration
	logger   *logrus.Logger
	clock    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService 创建定时服务，interval 为轮询间隔。
func NewService(engine Engine, interval time.Duration, logger *logrus.Logger) *Service {
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{
		engine:   engine,
		interval: interval,
		logger:   logger,
		clock:    time.Now,
	}
}

// Start 启动轮询循环。重复调用无效果。
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(ctx)
	s.logger.WithField("interval", s.interval).Info("Timer service started")
}

// run 轮询循环：每个间隔触发到期定时并清扫过期租约。
func (s *Service) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一轮推进（轮询循环与测试共用）。
func (s *Service) Tick(ctx context.Context) {
	now := s.clock()
	fired := s.engine.FireDueTimers(ctx, now)
	swept := s.engine.SweepLeases(now)
	if fired > 0 || swept > 0 {
		s.logger.WithFields(logrus.Fields{
			"timers_fired": fired,
			"leases_swept": swept,
		}).Debug("Timer tick")
	}
}

// Stop 停止轮询并等待循环退出，最多等待 5 秒。
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		s.logger.Warn("Timer service did not stop in time")
	}
	s.logger.Info("Timer service stopped")
}
