// Package events 提供流程事件的外部总线。
// 基于 NATS JetStream：引擎每追加一条事件就发布到
// process.<instance_id>.<event_type>，嵌入方编排器按通配符订阅，
// 凭终态事件释放其维护的实例状态。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/domain"
)

// EventBus 封装 NATS/JetStream 连接与流程事件的发布/订阅。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// EventHandler 定义事件处理回调。
type EventHandler func(ev *domain.Event) error

// NewEventBus 创建 EventBus 并初始化流程事件 Stream。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	// 初始化流程事件 Stream（不存在则创建，存在则尝试更新配置）
	cfg := nats.StreamConfig{
		Name:     "PROCESS_EVENTS",
		Subjects: []string{"process.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour * 7, // 保留 7 天
	}
	if _, err := js.AddStream(&cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		js.UpdateStream(&cfg)
	}

	return &EventBus{
		conn:   nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close 关闭底层 NATS 连接。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// Publish 发布一条流程事件（实现引擎的 Publisher 接口）。
// 异步发布，失败只记日志：外部总线不在推进的关键路径上，
// 内存事件日志与持久化层才是权威事件来源。
func (eb *EventBus) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		eb.logger.WithError(err).Error("Failed to marshal process event")
		return
	}

	subject := fmt.Sprintf("process.%s.%s", ev.InstanceID, ev.Type)
	if _, err := eb.js.PublishAsync(subject, data); err != nil {
		eb.logger.WithError(err).WithFields(logrus.Fields{
			"subject": subject,
			"seq":     ev.Seq,
		}).Error("Failed to publish process event")
		return
	}

	eb.logger.WithFields(logrus.Fields{
		"subject": subject,
		"seq":     ev.Seq,
		"type":    ev.Type,
	}).Debug("Process event published")
}

// Subscribe 订阅匹配 subject 的流程事件（支持通配符，如
// process.*.Completed 或 process.<instance_id>.>）。
// ctx 取消时将自动取消订阅。
func (eb *EventBus) Subscribe(ctx context.Context, subject, consumer string, handler EventHandler) error {
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			eb.logger.WithError(err).Error("Failed to unmarshal process event")
			msg.Nak()
			return
		}

		if err := handler(&ev); err != nil {
			eb.logger.WithError(err).WithFields(logrus.Fields{
				"instance_id": ev.InstanceID,
				"seq":         ev.Seq,
			}).Error("Failed to handle process event")
			msg.Nak()
			return
		}

		msg.Ack()
	}, nats.Durable(consumer), nats.ManualAck())

	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
