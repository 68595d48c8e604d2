package service

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/logger"
	"exam_proctor_agent/pkg/monitoring"
	"exam_proctor_agent/pkg/tracing"
)

type tierOutcome int

const (
	tierSucceeded tierOutcome = iota
	tierFailed
	tierAuthExpired
)

// SubmissionPipeline 交卷状态机。整个会话只允许进入一次，
// 状态只向前推进，每档幂等，耗尽所有档位才落入 DurablyFailed。
type SubmissionPipeline struct {
	session   *model.Session
	cfg       config.SessionConfig
	api       *examapi.Client
	store     *AnswerStore
	uploads   *UploadService
	monitor   *IntegrityMonitor
	failures  *repository.FailedSubmissionRepository
	snapshots *repository.SnapshotRepository
	hub       *SessionHub
	tokens    examapi.TokenProvider

	entered atomic.Bool

	mu      sync.Mutex
	state   model.SubmissionState
	result  *model.TestResult
	lastErr string

	decisionMu sync.Mutex
	decisionCh chan bool

	onTerminal func(model.SubmissionState)
	now        func() time.Time
}

func NewSubmissionPipeline(
	session *model.Session,
	cfg config.SessionConfig,
	api *examapi.Client,
	store *AnswerStore,
	uploads *UploadService,
	monitor *IntegrityMonitor,
	failures *repository.FailedSubmissionRepository,
	snapshots *repository.SnapshotRepository,
	hub *SessionHub,
	tokens examapi.TokenProvider,
) *SubmissionPipeline {
	return &SubmissionPipeline{
		session:   session,
		cfg:       cfg,
		api:       api,
		store:     store,
		uploads:   uploads,
		monitor:   monitor,
		failures:  failures,
		snapshots: snapshots,
		hub:       hub,
		tokens:    tokens,
		state:     model.StateNotStarted,
		now:       time.Now,
	}
}

// OnTerminal 注册终态回调，必须在 Trigger 之前设置
func (p *SubmissionPipeline) OnTerminal(fn func(model.SubmissionState)) {
	p.onTerminal = fn
}

// Trigger 进入流水线。首个触发者胜出，后续触发一律空转。
func (p *SubmissionPipeline) Trigger(ctx context.Context, trig model.SubmitTrigger) bool {
	if !p.entered.CompareAndSwap(false, true) {
		logger.Log.Info("submission already running, trigger ignored",
			zap.String("trigger", string(trig)))
		return false
	}

	logger.Log.Info("submission pipeline entered",
		zap.String("attempt", p.session.AttemptID),
		zap.String("trigger", string(trig)))
	go p.run(ctx, trig)
	return true
}

// Entered 流水线是否已被触发
func (p *SubmissionPipeline) Entered() bool {
	return p.entered.Load()
}

func (p *SubmissionPipeline) State() model.SubmissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result 终态后的判分结果
func (p *SubmissionPipeline) Result() (*model.TestResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.result == nil {
		return nil, util.ErrNoResultYet
	}
	r := *p.result
	return &r, nil
}

func (p *SubmissionPipeline) run(ctx context.Context, trig model.SubmitTrigger) {
	ctx, span := tracing.Tracer.Start(ctx, "submission_pipeline")
	defer span.End()

	authExpired := p.tokenAlreadyExpired()
	if authExpired {
		logger.Log.Warn("platform token expired before submission, skipping authenticated tiers")
	}

	if !authExpired {
		if ok := p.tierFileUploading(ctx); !ok {
			p.finishDurableFailure(ctx, "file upload declined or decision timed out")
			return
		}

		if outcome := p.tierBulkSaving(ctx); outcome == tierAuthExpired {
			authExpired = true
		}
	}

	if !authExpired {
		res, outcome := p.tierCompleting(ctx)
		switch outcome {
		case tierSucceeded:
			p.finishSuccess(ctx, res)
			return
		case tierAuthExpired:
			authExpired = true
		}
	}

	if !authExpired {
		res, outcome := p.tierEmergency(ctx)
		switch outcome {
		case tierSucceeded:
			p.finishSuccess(ctx, res)
			return
		case tierAuthExpired:
			authExpired = true
		}
	}

	if authExpired {
		if res, outcome := p.tierNoAuth(ctx); outcome == tierSucceeded {
			p.finishSuccess(ctx, res)
			return
		}
	}

	p.finishDurableFailure(ctx, p.lastError())
}

// tokenAlreadyExpired 本地预判平台令牌是否已过期，省掉注定失败的档位
func (p *SubmissionPipeline) tokenAlreadyExpired() bool {
	exp := util.TokenExpiry(p.tokens.Token())
	return !exp.IsZero() && exp.Before(p.now())
}

// tierFileUploading 补传留底的文件答案。返回 false 表示壳端拒绝
// 或决策超时，整个提交转入持久失败。
func (p *SubmissionPipeline) tierFileUploading(ctx context.Context) bool {
	if len(p.uploads.Pending()) == 0 {
		return true
	}
	p.setState(model.StateFileUploading)

	_, span := tracing.Tracer.Start(ctx, "tier_file_uploading")
	defer span.End()

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		resolved, remaining := p.uploads.RetryPending(ctx, p.session.AttemptID)
		for qid, ref := range resolved {
			p.store.SetFileRef(qid, ref)
		}
		if len(remaining) == 0 {
			monitoring.SubmissionTierCounter.WithLabelValues("file_uploading", "success").Inc()
			return true
		}
		monitoring.SubmissionTierCounter.WithLabelValues("file_uploading", "retry").Inc()
		if !p.backoff(ctx, attempt, p.cfg.RetryBaseDelay) {
			return false
		}
	}

	monitoring.SubmissionTierCounter.WithLabelValues("file_uploading", "failure").Inc()
	return p.awaitFileDecision(ctx)
}

// awaitFileDecision 把继续与否交给人来定：壳端弹窗，考生确认
func (p *SubmissionPipeline) awaitFileDecision(ctx context.Context) bool {
	ch := make(chan bool, 1)
	p.decisionMu.Lock()
	p.decisionCh = ch
	p.decisionMu.Unlock()

	defer func() {
		p.decisionMu.Lock()
		p.decisionCh = nil
		p.decisionMu.Unlock()
	}()

	pending := p.uploads.Pending()
	questions := make([]string, 0, len(pending))
	for _, item := range pending {
		questions = append(questions, item.QuestionID)
	}

	p.hub.Broadcast(EventFileDecision, map[string]interface{}{
		"questions":      questions,
		"timeoutSeconds": int(p.cfg.FileDecisionTimeout.Seconds()),
	})
	logger.Log.Warn("file uploads exhausted, waiting for candidate decision",
		zap.Strings("questions", questions))

	select {
	case accept := <-ch:
		logger.Log.Info("file decision received", zap.Bool("proceedWithoutFile", accept))
		return accept
	case <-time.After(p.cfg.FileDecisionTimeout):
		logger.Log.Warn("file decision timed out")
		return false
	case <-ctx.Done():
		return false
	}
}

// ResolveFileDecision 控制 API 回传考生的选择
func (p *SubmissionPipeline) ResolveFileDecision(accept bool) error {
	p.decisionMu.Lock()
	defer p.decisionMu.Unlock()
	if p.decisionCh == nil {
		return util.ErrNoDecisionPending
	}
	p.decisionCh <- accept
	p.decisionCh = nil
	return nil
}

// DecisionPending 是否有待考生确认的文件决策
func (p *SubmissionPipeline) DecisionPending() bool {
	p.decisionMu.Lock()
	defer p.decisionMu.Unlock()
	return p.decisionCh != nil
}

// tierBulkSaving 整包兜底保存，尽力而为，失败不拦路
func (p *SubmissionPipeline) tierBulkSaving(ctx context.Context) tierOutcome {
	payloads := p.store.TextAnswerPayloads()
	if len(payloads) == 0 {
		return tierSucceeded
	}
	p.setState(model.StateBulkSaving)

	_, outcome := p.callTier(ctx, "bulk_saving", p.cfg.RetryBaseDelay,
		func(ctx context.Context) (*examapi.TestResultResponse, error) {
			_, err := p.api.BulkSaveAnswers(ctx, p.session.AttemptID, payloads)
			return nil, err
		})
	if outcome == tierFailed {
		logger.Log.Warn("bulk save exhausted, later tiers carry the answers")
	}
	return outcome
}

func (p *SubmissionPipeline) tierCompleting(ctx context.Context) (*examapi.TestResultResponse, tierOutcome) {
	p.setState(model.StateCompleting)

	tally := p.monitor.Tally()
	tabSwitches := tally.Count(model.ViolationTabSwitch) + tally.Count(model.ViolationWindowBlur)

	return p.callTier(ctx, "completing", p.cfg.RetryBaseDelay,
		func(ctx context.Context) (*examapi.TestResultResponse, error) {
			return p.api.Complete(ctx, p.session.AttemptID, tabSwitches)
		})
}

func (p *SubmissionPipeline) tierEmergency(ctx context.Context) (*examapi.TestResultResponse, tierOutcome) {
	p.setState(model.StateEmergencyCompleting)

	payloads := p.store.TextAnswerPayloads()
	return p.callTier(ctx, "emergency_completing", p.cfg.EmergencyRetryDelay,
		func(ctx context.Context) (*examapi.TestResultResponse, error) {
			return p.api.EmergencySubmit(ctx, p.session.AttemptID, payloads)
		})
}

func (p *SubmissionPipeline) tierNoAuth(ctx context.Context) (*examapi.TestResultResponse, tierOutcome) {
	p.setState(model.StateNoAuthCompleting)

	email := p.identityHint()
	payloads := p.store.TextAnswerPayloads()
	return p.callTier(ctx, "no_auth_completing", p.cfg.EmergencyRetryDelay,
		func(ctx context.Context) (*examapi.TestResultResponse, error) {
			return p.api.EmergencySubmitNoAuth(ctx, p.session.AttemptID, email, payloads)
		})
}

// callTier 以线性退避执行一档提交调用。
// 校验类错误重试不会变好，直接降档；已完成视同成功。
func (p *SubmissionPipeline) callTier(ctx context.Context, tier string, baseDelay time.Duration, call func(context.Context) (*examapi.TestResultResponse, error)) (*examapi.TestResultResponse, tierOutcome) {
	ctx, span := tracing.Tracer.Start(ctx, "tier_"+tier)
	defer span.End()

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		res, err := call(ctx)
		if err == nil {
			monitoring.SubmissionTierCounter.WithLabelValues(tier, "success").Inc()
			return res, tierSucceeded
		}

		switch {
		case examapi.IsAlreadyCompleted(err):
			monitoring.SubmissionTierCounter.WithLabelValues(tier, "already_completed").Inc()
			logger.Log.Info("attempt already completed on server", zap.String("tier", tier))
			return nil, tierSucceeded

		case examapi.IsAuthExpired(err):
			monitoring.SubmissionTierCounter.WithLabelValues(tier, "auth_expired").Inc()
			logger.Log.Warn("platform token rejected", zap.String("tier", tier))
			p.setLastError(err)
			return nil, tierAuthExpired

		case examapi.IsValidation(err):
			monitoring.SubmissionTierCounter.WithLabelValues(tier, "validation").Inc()
			logger.Log.Warn("tier request rejected as invalid",
				zap.String("tier", tier), zap.Error(err))
			p.setLastError(err)
			return nil, tierFailed

		case examapi.IsRetryable(err):
			monitoring.SubmissionTierCounter.WithLabelValues(tier, "retry").Inc()
			logger.Log.Warn("tier attempt failed",
				zap.String("tier", tier), zap.Int("attempt", attempt), zap.Error(err))
			p.setLastError(err)
			if attempt < p.cfg.MaxRetries && !p.backoff(ctx, attempt, baseDelay) {
				return nil, tierFailed
			}

		default:
			monitoring.SubmissionTierCounter.WithLabelValues(tier, "failure").Inc()
			logger.Log.Error("tier failed unrecoverably",
				zap.String("tier", tier), zap.Error(err))
			p.setLastError(err)
			return nil, tierFailed
		}
	}

	monitoring.SubmissionTierCounter.WithLabelValues(tier, "failure").Inc()
	return nil, tierFailed
}

// backoff 第 n 次失败后等 n×base，上下文取消时返回 false
func (p *SubmissionPipeline) backoff(ctx context.Context, attempt int, base time.Duration) bool {
	select {
	case <-time.After(time.Duration(attempt) * base):
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *SubmissionPipeline) finishSuccess(ctx context.Context, res *examapi.TestResultResponse) {
	// 已完成路径拿不到判分，再查一次结果接口
	if res == nil {
		fetched, err := p.api.Result(ctx, p.session.AttemptID)
		if err != nil {
			logger.Log.Warn("result fetch after completion failed", zap.Error(err))
		} else {
			res = fetched
		}
	}

	p.mu.Lock()
	if res != nil {
		p.result = &model.TestResult{
			AttemptID:        res.AttemptID,
			TestID:           res.TestID,
			TestTitle:        res.TestTitle,
			Score:            res.Score,
			TotalMarks:       res.TotalMarks,
			Percentage:       res.Percentage,
			Passed:           res.Passed,
			TimeTakenSeconds: res.TimeTakenSeconds,
			CompletedAt:      res.CompletedAt,
		}
		if p.result.AttemptID == "" {
			p.result.AttemptID = p.session.AttemptID
		}
	}
	result := p.result
	p.mu.Unlock()

	p.setState(model.StateSucceeded)

	// 收卷成功，本地快照使命结束
	if p.snapshots != nil {
		if err := p.snapshots.DeleteByAttemptID(p.session.AttemptID); err != nil {
			logger.Log.Warn("snapshot cleanup failed", zap.Error(err))
		}
	}

	p.hub.Broadcast(EventSessionEnd, map[string]interface{}{
		"state":  model.StateSucceeded,
		"result": result,
	})
	logger.Log.Info("submission succeeded", zap.String("attempt", p.session.AttemptID))

	if p.onTerminal != nil {
		p.onTerminal(model.StateSucceeded)
	}
}

// finishDurableFailure 所有档位耗尽。答案连同违规与留底路径写入本地，
// 并明确告知壳端，绝不允许静默失败。
func (p *SubmissionPipeline) finishDurableFailure(ctx context.Context, reason string) {
	answersJSON, _ := json.Marshal(p.store.AllTexts())
	tallyJSON, _ := json.Marshal(p.monitor.Tally())

	rec := &model.FailedSubmission{
		AttemptID:      p.session.AttemptID,
		TestID:         p.session.TestID,
		Answers:        string(answersJSON),
		Tally:          string(tallyJSON),
		CandidateEmail: p.identityHint(),
		LastError:      reason,
		FailedAt:       p.now(),
	}
	if dir := p.uploads.AttemptSpoolDir(p.session.AttemptID); dirExists(dir) {
		rec.FileSpoolPath = dir
	}

	if err := p.failures.Save(rec); err != nil {
		logger.Log.Error("failed submission record not persisted",
			zap.String("attempt", p.session.AttemptID), zap.Error(err))
	}

	p.setState(model.StateDurablyFailed)

	p.hub.Broadcast(EventSessionEnd, map[string]interface{}{
		"state":   model.StateDurablyFailed,
		"reason":  reason,
		"message": "Automatic submission failed. Your answers are saved on this computer. Do not shut it down and contact the invigilator.",
	})
	logger.Log.Error("submission durably failed",
		zap.String("attempt", p.session.AttemptID), zap.String("reason", reason))

	if p.onTerminal != nil {
		p.onTerminal(model.StateDurablyFailed)
	}
}

// setState 推进状态并广播，倒退视为编程错误
func (p *SubmissionPipeline) setState(next model.SubmissionState) {
	p.mu.Lock()
	if !p.state.CanAdvance(next) {
		p.mu.Unlock()
		logger.Log.Error("illegal state transition dropped",
			zap.String("from", string(p.state)), zap.String("to", string(next)))
		return
	}
	p.state = next
	p.mu.Unlock()

	logger.Log.Info("submission state", zap.String("state", string(next)))
	p.hub.Broadcast(EventSubmitState, map[string]interface{}{
		"attemptId": p.session.AttemptID,
		"state":     next,
	})
}

func (p *SubmissionPipeline) setLastError(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

func (p *SubmissionPipeline) lastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastErr == "" {
		return "all submission tiers exhausted"
	}
	return p.lastErr
}

func (p *SubmissionPipeline) identityHint() string {
	if p.tokens == nil {
		return p.session.CandidateEmail
	}
	if email := p.tokens.IdentityHint(); email != "" {
		return email
	}
	return p.session.CandidateEmail
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
