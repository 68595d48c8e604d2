package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/logger"
	"exam_proctor_agent/pkg/monitoring"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// IntegrityMonitor 违规信号监视器：计数单调递增，Flagged 一经置位不再回落。
// 上报远端为尽力而为，失败不影响本地计数与流水
type IntegrityMonitor struct {
	session *model.Session
	cfg     config.ViolationConfig

	mu    sync.Mutex
	tally model.ViolationTally

	viewportMu   sync.Mutex
	viewport     model.ViewportMetrics
	viewportSeen bool
	devtoolsOpen bool

	journal       *repository.ViolationEventRepository
	api           *examapi.Client
	reportLimiter *rate.Limiter
	onViolation   func(model.Verdict)

	now func() time.Time
	ctx context.Context
}

func NewIntegrityMonitor(session *model.Session, cfg config.ViolationConfig, journal *repository.ViolationEventRepository, api *examapi.Client) *IntegrityMonitor {
	perSecond := rate.Limit(float64(cfg.ReportPerMinute) / 60.0)
	return &IntegrityMonitor{
		session:       session,
		cfg:           cfg,
		tally:         model.NewViolationTally(),
		journal:       journal,
		api:           api,
		reportLimiter: rate.NewLimiter(perSecond, cfg.ReportPerMinute),
		now:           time.Now,
		ctx:           context.Background(),
	}
}

func (m *IntegrityMonitor) OnViolation(fn func(model.Verdict)) {
	m.onViolation = fn
}

// Start 启动开发者工具启发式采样循环
func (m *IntegrityMonitor) Start(ctx context.Context) {
	m.ctx = ctx
	go m.sampleDevtools(ctx)
}

// Observe 处理一条壳端信号并返回处置结论
func (m *IntegrityMonitor) Observe(sig model.Signal) (model.Verdict, error) {
	if !model.ValidViolationType(sig.Type) {
		return model.Verdict{}, util.ErrUnknownSignal
	}

	suppress := suppressType(sig.Type)

	if !m.session.DetectionOn {
		m.mu.Lock()
		verdict := model.Verdict{Type: sig.Type, Count: 0, Flagged: m.tally.Flagged, Suppress: suppress}
		m.mu.Unlock()
		return verdict, nil
	}

	occurredAt := sig.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = m.now()
	}

	m.mu.Lock()
	m.tally.Counts[sig.Type]++
	count := m.tally.Counts[sig.Type]
	limit := m.session.Limits.LimitFor(sig.Type)
	if limit > 0 && count == limit {
		m.tally.Flagged = true
		m.tally.FlagReason = model.AppendFlagReason(m.tally.FlagReason, flagReason(sig.Type, count))
	}
	verdict := model.Verdict{Type: sig.Type, Count: count, Flagged: m.tally.Flagged, Suppress: suppress}
	m.mu.Unlock()

	monitoring.ViolationCounter.WithLabelValues(string(sig.Type)).Inc()

	event := &model.ViolationEvent{
		AttemptID:  m.session.AttemptID,
		Type:       string(sig.Type),
		Count:      count,
		OccurredAt: occurredAt,
	}
	if m.journal != nil {
		if err := m.journal.Append(event); err != nil {
			logger.Log.Error("violation journal append failed",
				zap.String("type", string(sig.Type)), zap.Error(err))
		}
	}

	if m.api != nil && m.reportLimiter.Allow() {
		go m.report(event.ID, sig.Type)
	}

	if m.onViolation != nil {
		m.onViolation(verdict)
	}

	return verdict, nil
}

// ObserveViewport 记录壳端窗口尺寸采样
func (m *IntegrityMonitor) ObserveViewport(v model.ViewportMetrics) {
	m.viewportMu.Lock()
	m.viewport = v
	m.viewportSeen = true
	m.viewportMu.Unlock()
}

// Tally 返回独立副本
func (m *IntegrityMonitor) Tally() model.ViolationTally {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tally.Clone()
}

func (m *IntegrityMonitor) Flagged() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tally.Flagged, m.tally.FlagReason
}

// RestoreFlags 快照恢复时重建粘性标记
func (m *IntegrityMonitor) RestoreFlags(flagged bool, reason string) {
	if !flagged {
		return
	}
	m.mu.Lock()
	m.tally.Flagged = true
	if m.tally.FlagReason == "" {
		m.tally.FlagReason = reason
	}
	m.mu.Unlock()
}

// RestoreTally 用持久化的计数回填本地状态，取两边较大值避免回退。
// 回填后的计数已越线而标记丢失时（快照落后于流水），当场补判红。
func (m *IntegrityMonitor) RestoreTally(saved model.ViolationTally) {
	m.mu.Lock()
	for typ, n := range saved.Counts {
		if n > m.tally.Counts[typ] {
			m.tally.Counts[typ] = n
		}
	}
	if saved.Flagged {
		m.tally.Flagged = true
		if m.tally.FlagReason == "" {
			m.tally.FlagReason = saved.FlagReason
		}
	}
	if !m.tally.Flagged {
		for typ, n := range m.tally.Counts {
			limit := m.session.Limits.LimitFor(typ)
			if limit > 0 && n >= limit {
				m.tally.Flagged = true
				m.tally.FlagReason = model.AppendFlagReason(m.tally.FlagReason, flagReason(typ, n))
			}
		}
	}
	m.mu.Unlock()
}

func (m *IntegrityMonitor) sampleDevtools(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateViewport()
		}
	}
}

// evaluateViewport 仅对闭合到张开的跳变计一次数
func (m *IntegrityMonitor) evaluateViewport() {
	m.viewportMu.Lock()
	if !m.viewportSeen {
		m.viewportMu.Unlock()
		return
	}
	v := m.viewport
	wasOpen := m.devtoolsOpen
	open := v.OuterWidth-v.InnerWidth > m.cfg.DevtoolsDeltaPx ||
		v.OuterHeight-v.InnerHeight > m.cfg.DevtoolsDeltaPx
	m.devtoolsOpen = open
	m.viewportMu.Unlock()

	if open && !wasOpen {
		m.Observe(model.Signal{Type: model.ViolationDevtoolsOpen, OccurredAt: m.now()})
	}
}

func (m *IntegrityMonitor) report(eventID string, t model.ViolationType) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	resp, err := m.api.ReportViolation(ctx, m.session.AttemptID, string(t))
	if err != nil {
		logger.Log.Warn("violation report failed",
			zap.String("type", string(t)), zap.Error(err))
		return
	}

	if m.journal != nil && eventID != "" {
		if err := m.journal.MarkReported(eventID); err != nil {
			logger.Log.Warn("mark reported failed", zap.Error(err))
		}
	}

	// 服务端判红同样粘住本地标记
	if resp.IsFlagged {
		m.mu.Lock()
		m.tally.Flagged = true
		m.mu.Unlock()
	}
}

// suppressType 剪贴板与快捷键动作始终要求壳端拦截
func suppressType(t model.ViolationType) bool {
	switch t {
	case model.ViolationCopyAttempt, model.ViolationPasteAttempt, model.ViolationShortcutBlocked:
		return true
	default:
		return false
	}
}

func flagReason(t model.ViolationType, count int) string {
	switch t {
	case model.ViolationTabSwitch, model.ViolationWindowBlur:
		return fmt.Sprintf("Excessive tab switching (%d times)", count)
	case model.ViolationFullscreenExit:
		return fmt.Sprintf("Fullscreen exited %d times", count)
	case model.ViolationDevtoolsOpen:
		return "Developer tools opened"
	default:
		return fmt.Sprintf("%s limit reached (%d)", t, count)
	}
}
