package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/domain"
)

// 任务可用性通知的发布通道。
const jobAvailableChannel = "procflow.jobs.available"

// RedisNotifier 通过 Redis pub/sub 在引擎副本间广播任务可用性，
// 并缓存实例检视快照。长轮询中的副本收到广播后立即重扫队列，
// 而不必等到下一个轮询间隔。
type RedisNotifier struct {
	client *redis.Client
	logger *logrus.Logger
	ttl    time.Duration
	cancel context.CancelFunc
}

// NewRedisNotifier 连接 Redis。cacheTTL 控制检视快照缓存的生存期。
func NewRedisNotifier(addr, password string, db int, cacheTTL time.Duration, logger *logrus.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis: %v", domain.ErrStorageConnection, err)
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &RedisNotifier{client: client, logger: logger, ttl: cacheTTL}, nil
}

// JobAvailable 广播任务可用性（实现任务队列的 Notifier 接口）。
func (n *RedisNotifier) JobAvailable(taskType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.client.Publish(ctx, jobAvailableChannel, taskType).Err(); err != nil {
		n.logger.WithError(err).Warn("Failed to publish job availability")
	}
}

// Listen 订阅其他副本的任务可用性广播，收到即调用 wake。
// 返回即表示订阅循环已在后台运行；Close 时退出。
func (n *RedisNotifier) Listen(wake func(taskType string)) {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	sub := n.client.Subscribe(ctx, jobAvailableChannel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				wake(msg.Payload)
			}
		}
	}()
}

// CacheInspect 缓存实例的检视快照。
func (n *RedisNotifier) CacheInspect(ctx context.Context, instanceID string, result *domain.InspectResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := n.client.Set(ctx, inspectCacheKey(instanceID), data, n.ttl).Err(); err != nil {
		n.logger.WithError(err).Debug("Failed to cache inspect snapshot")
	}
}

// GetCachedInspect 读取缓存的检视快照，未命中返回 nil。
func (n *RedisNotifier) GetCachedInspect(ctx context.Context, instanceID string) *domain.InspectResult {
	data, err := n.client.Get(ctx, inspectCacheKey(instanceID)).Bytes()
	if err != nil {
		return nil
	}
	result := &domain.InspectResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil
	}
	return result
}

// InvalidateInspect 主动失效实例的检视缓存（实例变更后调用）。
func (n *RedisNotifier) InvalidateInspect(ctx context.Context, instanceID string) {
	n.client.Del(ctx, inspectCacheKey(instanceID))
}

func inspectCacheKey(instanceID string) string {
	return "procflow:inspect:" + instanceID
}

// Close 停止订阅循环并断开连接。
func (n *RedisNotifier) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	return n.client.Close()
}
