// Package events forwards plugin lifecycle actions published on the hook bus
// to an external message broker.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"PluginRuntime/pkg/hook"
	"PluginRuntime/pkg/logger"
)

// Channel is the wildcard action subscription used by the bridge.
const Channel = "plugin." + hook.Wildcard

const (
	defaultBuffer         = 256
	defaultPublishTimeout = 5 * time.Second
)

// Event 是转发到消息队列的生命周期事件。
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Plugin     string    `json:"plugin,omitempty"`
	Args       []string  `json:"args,omitempty"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher 将事件写入外部系统。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Stats 汇总桥接器的投递情况。
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Bridge 订阅 plugin.* 动作，并通过后台协程异步投递，避免阻塞生命周期操作。
type Bridge struct {
	bus       *hook.Bus
	publisher Publisher
	source    string
	now       func() time.Time
	timeout   time.Duration
	logger    *slog.Logger
	observe   func(Event, error)

	mu     sync.Mutex
	queue  chan Event
	closed bool
	subID  hook.ID
	wg     sync.WaitGroup

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Option 定制 Bridge。
type Option func(*Bridge)

// WithSource 设置事件来源标识。
func WithSource(source string) Option {
	return func(b *Bridge) {
		if source != "" {
			b.source = source
		}
	}
}

// WithBuffer 设置待投递队列长度，队列满时事件被丢弃并计数。
func WithBuffer(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// WithObserver 在每次投递完成后回调，用于指标统计。
func WithObserver(fn func(Event, error)) Option {
	return func(b *Bridge) { b.observe = fn }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBridge 创建桥接器，需调用 Start 才会开始订阅。
func NewBridge(bus *hook.Bus, publisher Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		bus:       bus,
		publisher: publisher,
		source:    "pluginhostd",
		now:       time.Now,
		timeout:   defaultPublishTimeout,
		logger:    logger.Named("events"),
		queue:     make(chan Event, defaultBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start 注册通配订阅并启动投递协程。
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.subID != 0 {
		return
	}
	// 优先级放到最后，先让插件自己的订阅者处理。
	b.subID = b.bus.AddAction(Channel, b.capture, hook.WithArity(3), hook.WithPriority(1000))
	b.wg.Add(1)
	go b.run(context.WithoutCancel(ctx))
}

func (b *Bridge) capture(args ...any) error {
	channel, _ := b.bus.CurrentChannel()
	evt := Event{
		ID:         uuid.NewString(),
		Type:       channel,
		Source:     b.source,
		OccurredAt: b.now().UTC(),
	}
	for i, arg := range args {
		s := fmt.Sprint(arg)
		if i == 0 {
			evt.Plugin = s
			continue
		}
		evt.Args = append(evt.Args, s)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	select {
	case b.queue <- evt:
	default:
		b.dropped.Add(1)
		b.logger.Warn("事件队列已满，丢弃事件", "type", evt.Type, "plugin", evt.Plugin)
	}
	return nil
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for evt := range b.queue {
		pubCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err := b.publisher.Publish(pubCtx, evt)
		cancel()
		if err != nil {
			b.failed.Add(1)
			b.logger.Error("投递生命周期事件失败", "type", evt.Type, "plugin", evt.Plugin, "id", evt.ID, "error", err)
		} else {
			b.published.Add(1)
		}
		if b.observe != nil {
			b.observe(evt, err)
		}
	}
}

// Stats 返回投递计数快照。
func (b *Bridge) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close 取消订阅，投递完剩余事件后关闭 Publisher。
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.subID != 0 {
		b.bus.RemoveAction(Channel, b.subID)
	}
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
	return b.publisher.Close()
}
