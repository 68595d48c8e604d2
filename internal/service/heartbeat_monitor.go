package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/pkg/logger"
	"exam_proctor_agent/pkg/monitoring"
)

// HeartbeatMonitor 周期询问平台，连续失败达到阈值判定离线，
// 恢复一次即转回在线。心跳失败永远不会终止会话。
type HeartbeatMonitor struct {
	session *model.Session
	cfg     config.SessionConfig
	api     *examapi.Client
	clock   *SessionClock
	hub     *SessionHub

	mu             sync.Mutex
	failures       int
	online         bool
	completedFired bool

	onCompleted func()
}

func NewHeartbeatMonitor(session *model.Session, cfg config.SessionConfig, api *examapi.Client, clock *SessionClock, hub *SessionHub) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		session: session,
		cfg:     cfg,
		api:     api,
		clock:   clock,
		hub:     hub,
		online:  true,
	}
}

// OnCompleted 服务端已收卷时的回调，至多触发一次
func (m *HeartbeatMonitor) OnCompleted(fn func()) {
	m.onCompleted = fn
}

func (m *HeartbeatMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx)
		}
	}
}

func (m *HeartbeatMonitor) beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := m.api.Heartbeat(ctx, m.session.AttemptID)
	if err != nil {
		monitoring.HeartbeatFailures.Inc()

		m.mu.Lock()
		m.failures++
		flip := m.online && m.failures >= m.cfg.HeartbeatFailThreshold
		if flip {
			m.online = false
		}
		consecutive := m.failures
		m.mu.Unlock()

		logger.Log.Warn("platform heartbeat failed",
			zap.Int("consecutive", consecutive), zap.Error(err))
		if flip {
			logger.Log.Warn("platform connectivity lost")
			m.hub.Broadcast(EventConnectivity, map[string]interface{}{"online": false})
		}
		return
	}

	m.mu.Lock()
	m.failures = 0
	recovered := !m.online
	m.online = true
	fireCompleted := resp.AttemptStatus == "completed" && !m.completedFired
	if fireCompleted {
		m.completedFired = true
	}
	m.mu.Unlock()

	if recovered {
		logger.Log.Info("platform connectivity restored")
		m.hub.Broadcast(EventConnectivity, map[string]interface{}{"online": true})
	}

	// 漂移观测：本地倒计时和服务端口径对不上要留痕
	if m.clock != nil {
		drift := m.clock.Remaining().Seconds() - resp.RemainingSeconds
		if drift > 5 || drift < -5 {
			logger.Log.Warn("clock drift against server",
				zap.Float64("driftSeconds", drift),
				zap.Float64("serverRemaining", resp.RemainingSeconds))
		}
	}

	if fireCompleted {
		logger.Log.Info("server reports attempt already completed",
			zap.String("attempt", m.session.AttemptID))
		if m.onCompleted != nil {
			m.onCompleted()
		}
	}
}
