package service

import (
	"context"
	"sync"
	"time"

	"exam_proctor_agent/pkg/monitoring"
)

// ClockState 每秒广播给壳端的倒计时快照
type ClockState struct {
	RemainingSeconds int       `json:"remainingSeconds"`
	Deadline         time.Time `json:"deadline"`
	Expired          bool      `json:"expired"`
	ServerAnchored   bool      `json:"serverAnchored"`
}

// SessionClock 倒计时钟：剩余时间始终由截止时刻重新计算，从不递减缓存值，
// 进程挂起或打点延迟不会产生漂移
type SessionClock struct {
	deadline time.Time
	anchored bool
	interval time.Duration
	now      func() time.Time

	onTick     func(ClockState)
	onExpire   func()
	expireOnce sync.Once
}

// NewSessionClock serverStart 为零值时降级为本地锚定
func NewSessionClock(serverStart time.Time, duration, interval time.Duration, now func() time.Time) *SessionClock {
	if now == nil {
		now = time.Now
	}
	c := &SessionClock{interval: interval, now: now}
	if serverStart.IsZero() {
		c.deadline = now().Add(duration)
		c.anchored = false
	} else {
		c.deadline = serverStart.Add(duration)
		c.anchored = true
	}
	return c
}

func (c *SessionClock) OnTick(fn func(ClockState)) {
	c.onTick = fn
}

func (c *SessionClock) OnExpire(fn func()) {
	c.onExpire = fn
}

// Remaining 剩余时间，过期后恒为 0
func (c *SessionClock) Remaining() time.Duration {
	rem := c.deadline.Sub(c.now())
	if rem < 0 {
		return 0
	}
	return rem
}

func (c *SessionClock) Deadline() time.Time {
	return c.deadline
}

func (c *SessionClock) State() ClockState {
	rem := c.Remaining()
	return ClockState{
		RemainingSeconds: int(rem / time.Second),
		Deadline:         c.deadline,
		Expired:          rem == 0,
		ServerAnchored:   c.anchored,
	}
}

// Run 启动打点循环，到期回调触发后退出；ctx 取消即停止
func (c *SessionClock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if c.evaluate() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evaluate 返回 true 表示已到期
func (c *SessionClock) evaluate() bool {
	state := c.State()
	monitoring.SessionRemaining.Set(float64(state.RemainingSeconds))
	if c.onTick != nil {
		c.onTick(state)
	}
	if state.Expired {
		c.fireExpiry()
		return true
	}
	return false
}

// fireExpiry 到期回调至多触发一次
func (c *SessionClock) fireExpiry() {
	c.expireOnce.Do(func() {
		if c.onExpire != nil {
			c.onExpire()
		}
	})
}
