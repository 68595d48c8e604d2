package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"exam_proctor_agent/internal/config"
	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TokenStore 持有当前会话的平台凭证，随会话建立与结束而设置与清空
type TokenStore struct {
	mu    sync.RWMutex
	token string
	email string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (t *TokenStore) Set(token, email string) {
	t.mu.Lock()
	t.token = token
	t.email = email
	t.mu.Unlock()
}

func (t *TokenStore) Clear() {
	t.mu.Lock()
	t.token = ""
	t.email = ""
	t.mu.Unlock()
}

func (t *TokenStore) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *TokenStore) IdentityHint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.email
}

// SessionState 壳端轮询的会话全景，重连后凭此恢复界面
type SessionState struct {
	AttemptID        string                `json:"attemptId"`
	TestID           string                `json:"testId"`
	TestTitle        string                `json:"testTitle"`
	Questions        []model.Question      `json:"questions"`
	RemainingSeconds int                   `json:"remainingSeconds"`
	Deadline         time.Time             `json:"deadline"`
	ServerAnchored   bool                  `json:"serverAnchored"`
	Expired          bool                  `json:"expired"`
	Answers          map[string]string     `json:"answers"`
	ReviewFlags      map[string]bool       `json:"reviewFlags"`
	CurrentIndex     int                   `json:"currentIndex"`
	AnsweredCount    int                   `json:"answeredCount"`
	Violations       model.ViolationTally  `json:"violations"`
	SubmitState      model.SubmissionState `json:"submitState"`
	DecisionPending  bool                  `json:"decisionPending"`
	PlatformOnline   bool                  `json:"platformOnline"`
}

// sessionRuntime 一次会话期间存活的组件集合，终态后仅供查询
type sessionRuntime struct {
	ctx    context.Context
	cancel context.CancelFunc

	session   *model.Session
	clock     *SessionClock
	monitor   *IntegrityMonitor
	store     *AnswerStore
	uploads   *UploadService
	pipeline  *SubmissionPipeline
	heartbeat *HeartbeatMonitor
}

// SessionService 会话编排入口：组装组件、衔接回调、对外暴露操作
type SessionService struct {
	cfg       *config.Config
	api       *examapi.Client
	tokens    *TokenStore
	hub       *SessionHub
	snapshots *repository.SnapshotRepository
	journal   *repository.ViolationEventRepository
	failures  *repository.FailedSubmissionRepository

	baseCtx context.Context

	mu       sync.Mutex
	runtime  *sessionRuntime
	retrying map[string]bool

	now func() time.Time
}

func NewSessionService(
	baseCtx context.Context,
	cfg *config.Config,
	api *examapi.Client,
	tokens *TokenStore,
	hub *SessionHub,
	snapshots *repository.SnapshotRepository,
	journal *repository.ViolationEventRepository,
	failures *repository.FailedSubmissionRepository,
) *SessionService {
	return &SessionService{
		cfg:       cfg,
		api:       api,
		tokens:    tokens,
		hub:       hub,
		snapshots: snapshots,
		journal:   journal,
		failures:  failures,
		baseCtx:   baseCtx,
		retrying:  make(map[string]bool),
		now:       time.Now,
	}
}

// Start 建立会话。平台 start 接口失败时退回会话查询接口，兼容已开始
// 的断点续考；同一场考试重复 start 幂等返回当前状态。
func (s *SessionService) Start(ctx context.Context, testID, platformToken, candidateEmail string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rt := s.runtime; rt != nil && !rt.pipeline.State().Terminal() {
		if rt.session.TestID == testID {
			logger.Log.Info("start ignored, session already active", zap.String("testId", testID))
			return s.stateLocked(rt), nil
		}
		return nil, util.ErrSessionActive
	}

	s.tokens.Set(platformToken, candidateEmail)

	resp, err := s.api.StartTest(ctx, testID)
	if err != nil {
		logger.Log.Warn("start test failed, trying to resume existing attempt",
			zap.String("testId", testID), zap.Error(err))
		resp, err = s.api.GetSession(ctx, testID)
		if err != nil {
			s.tokens.Clear()
			return nil, fmt.Errorf("start test %s: %w", testID, err)
		}
	}

	session := s.buildSession(resp, candidateEmail)
	rt := s.assemble(session)

	s.restoreLocalState(ctx, rt)

	if s.now().After(session.Deadline().Add(s.cfg.Session.ExpiredGrace)) {
		// 代理停机期间已越过截止线，不再起各循环，直接走过期恢复提交
		logger.Log.Warn("session deadline passed while agent was down, auto-completing",
			zap.String("attemptId", session.AttemptID),
			zap.Time("deadline", session.Deadline()))
		go func() {
			if _, err := s.api.AutoCompleteExpired(rt.ctx); err != nil {
				logger.Log.Warn("auto-complete expired call failed", zap.Error(err))
			}
			rt.pipeline.Trigger(rt.ctx, model.TriggerExpired)
		}()
	} else {
		go rt.clock.Run(rt.ctx)
		rt.monitor.Start(rt.ctx)
		go rt.store.RunSnapshotLoop(rt.ctx, s.cfg.Session.SnapshotInterval)
		go rt.store.RunPushLoop(rt.ctx, s.cfg.Session.PushInterval)
		go rt.heartbeat.Run(rt.ctx)
	}

	s.runtime = rt
	logger.Log.Info("session started",
		zap.String("attemptId", session.AttemptID),
		zap.String("testId", session.TestID),
		zap.Int("questions", len(session.Questions)),
		zap.Time("deadline", session.Deadline()))
	return s.stateLocked(rt), nil
}

func (s *SessionService) buildSession(resp *examapi.TestSessionResponse, email string) *model.Session {
	questions := make([]model.Question, len(resp.Questions))
	for i, q := range resp.Questions {
		questions[i] = model.Question{
			ID:       q.ID,
			Text:     q.QuestionText,
			Type:     q.QuestionType,
			Marks:    q.Marks,
			Order:    q.Order,
			Required: q.Required,
		}
	}
	sort.Slice(questions, func(i, j int) bool { return questions[i].Order < questions[j].Order })

	limits := model.ViolationLimits{
		TabSwitches:     s.cfg.Violation.MaxTabSwitches,
		FullscreenExits: s.cfg.Violation.MaxFullscreenExits,
		DevtoolsOpens:   s.cfg.Violation.MaxDevtoolsOpens,
	}
	if resp.MaxTabSwitchesAllowed > 0 {
		limits.TabSwitches = resp.MaxTabSwitchesAllowed
	}

	return &model.Session{
		AttemptID:      resp.AttemptID,
		TestID:         resp.TestID,
		TestTitle:      resp.TestTitle,
		ServerStart:    resp.StartedAt,
		Duration:       time.Duration(resp.DurationMinutes) * time.Minute,
		DurationMins:   resp.DurationMinutes,
		Questions:      questions,
		Limits:         limits,
		DetectionOn:    resp.EnableTabSwitchDetection,
		CandidateEmail: email,
	}
}

// assemble 组装会话组件并衔接事件回路
func (s *SessionService) assemble(session *model.Session) *sessionRuntime {
	ctx, cancel := context.WithCancel(s.baseCtx)

	clock := NewSessionClock(session.ServerStart, session.Duration, s.cfg.Session.TickInterval, s.now)
	monitor := NewIntegrityMonitor(session, s.cfg.Violation, s.journal, s.api)
	store := NewAnswerStore(session, s.api, s.snapshots)
	uploads := NewUploadService(&s.cfg.Storage, s.api)
	pipeline := NewSubmissionPipeline(session, s.cfg.Session, s.api, store, uploads, monitor,
		s.failures, s.snapshots, s.hub, s.tokens)
	heartbeat := NewHeartbeatMonitor(session, s.cfg.Session, s.api, clock, s.hub)

	rt := &sessionRuntime{
		ctx:       ctx,
		cancel:    cancel,
		session:   session,
		clock:     clock,
		monitor:   monitor,
		store:     store,
		uploads:   uploads,
		pipeline:  pipeline,
		heartbeat: heartbeat,
	}

	store.SetTallySource(monitor.Tally)
	clock.OnTick(func(st ClockState) {
		s.hub.Broadcast(EventClockTick, st)
	})
	clock.OnExpire(func() {
		logger.Log.Info("session clock expired, triggering submission",
			zap.String("attemptId", session.AttemptID))
		pipeline.Trigger(ctx, model.TriggerExpiry)
	})
	monitor.OnViolation(func(v model.Verdict) {
		s.hub.Broadcast(EventViolation, v)
	})
	s.hub.OnViewport(monitor.ObserveViewport)
	heartbeat.OnCompleted(func() {
		logger.Log.Info("attempt completed on platform side, funneling into submission",
			zap.String("attemptId", session.AttemptID))
		pipeline.Trigger(ctx, model.TriggerRemote)
	})
	pipeline.OnTerminal(func(st model.SubmissionState) {
		s.tokens.Clear()
		cancel()
	})

	return rt
}

// restoreLocalState 回填崩溃前的本地留存：快照、违规流水与平台侧已存答案
func (s *SessionService) restoreLocalState(ctx context.Context, rt *sessionRuntime) {
	attemptID := rt.session.AttemptID

	snap, err := s.snapshots.FindByAttemptID(attemptID)
	if err == nil {
		if err := rt.store.RestoreSnapshot(snap); err != nil {
			logger.Log.Warn("snapshot restore failed", zap.Error(err))
		} else {
			rt.monitor.RestoreFlags(snap.Flagged, snap.FlagReason)
			logger.Log.Info("restored local snapshot",
				zap.String("attemptId", attemptID), zap.Time("savedAt", snap.SavedAt))
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Log.Warn("snapshot lookup failed", zap.Error(err))
	}

	tally := model.NewViolationTally()
	restored := false
	for _, typ := range model.AllViolationTypes() {
		n, err := s.journal.CountByType(attemptID, string(typ))
		if err != nil {
			logger.Log.Warn("violation journal count failed",
				zap.String("type", string(typ)), zap.Error(err))
			continue
		}
		if n > 0 {
			tally.Counts[typ] = int(n)
			restored = true
		}
	}
	if restored {
		rt.monitor.RestoreTally(tally)
	}

	recovered, err := s.api.RecoverAnswers(ctx, attemptID)
	if err != nil {
		logger.Log.Warn("remote answer recovery failed", zap.Error(err))
		return
	}
	if n := rt.store.ApplyRecovered(recovered); n > 0 {
		logger.Log.Info("recovered answers from platform", zap.Int("count", n))
	}
}

// active 返回当前会话，提交开始后作答类操作一律拒绝
func (s *SessionService) active() (*sessionRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.runtime
	if rt == nil {
		return nil, util.ErrNoActiveSession
	}
	if rt.pipeline.Entered() {
		return nil, util.ErrSessionClosed
	}
	return rt, nil
}

// current 返回当前会话，终态后仍可查询
func (s *SessionService) current() (*sessionRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return nil, util.ErrNoActiveSession
	}
	return s.runtime, nil
}

func (s *SessionService) RecordAnswer(questionID, text string) error {
	rt, err := s.active()
	if err != nil {
		return err
	}
	return rt.store.Set(questionID, text)
}

func (s *SessionService) ToggleReview(questionID string) (bool, error) {
	rt, err := s.active()
	if err != nil {
		return false, err
	}
	return rt.store.ToggleReview(questionID)
}

func (s *SessionService) SetCurrentIndex(i int) error {
	rt, err := s.active()
	if err != nil {
		return err
	}
	rt.store.SetCurrentIndex(i)
	return nil
}

// Signal 处理一条壳端完整性信号
func (s *SessionService) Signal(sig model.Signal) (model.Verdict, error) {
	rt, err := s.active()
	if err != nil {
		return model.Verdict{}, err
	}
	return rt.monitor.Observe(sig)
}

// AttachFile 留存一份文件答案并尽力上传，失败时仅落本机留底
func (s *SessionService) AttachFile(ctx context.Context, questionID, filename string, data []byte) (*UploadResult, error) {
	rt, err := s.active()
	if err != nil {
		return nil, err
	}
	if !rt.session.HasQuestion(questionID) {
		return nil, util.ErrUnknownQuestion
	}

	res, err := rt.uploads.Store(ctx, rt.session.AttemptID, questionID, filename, data)
	if err != nil {
		return nil, err
	}
	if err := rt.store.SetFileRef(questionID, res.FileRef); err != nil {
		return nil, err
	}
	return res, nil
}

// Submit 触发提交流水线，重复触发幂等返回当前状态
func (s *SessionService) Submit() (model.SubmissionState, error) {
	rt, err := s.current()
	if err != nil {
		return model.StateNotStarted, err
	}
	started := rt.pipeline.Trigger(rt.ctx, model.TriggerManual)
	if !started {
		logger.Log.Info("submit already in progress or finished",
			zap.String("state", string(rt.pipeline.State())))
	}
	return rt.pipeline.State(), nil
}

// ResolveFileDecision 壳端对"文件上传失败是否继续"决策点的回应
func (s *SessionService) ResolveFileDecision(accept bool) error {
	rt, err := s.current()
	if err != nil {
		return err
	}
	return rt.pipeline.ResolveFileDecision(accept)
}

func (s *SessionService) Result() (*model.TestResult, error) {
	rt, err := s.current()
	if err != nil {
		return nil, err
	}
	return rt.pipeline.Result()
}

// State 返回会话全景，无会话时返回 ErrNoActiveSession
func (s *SessionService) State() (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return nil, util.ErrNoActiveSession
	}
	return s.stateLocked(s.runtime), nil
}

func (s *SessionService) stateLocked(rt *sessionRuntime) *SessionState {
	clockState := rt.clock.State()
	return &SessionState{
		AttemptID:        rt.session.AttemptID,
		TestID:           rt.session.TestID,
		TestTitle:        rt.session.TestTitle,
		Questions:        rt.session.Questions,
		RemainingSeconds: clockState.RemainingSeconds,
		Deadline:         clockState.Deadline,
		ServerAnchored:   clockState.ServerAnchored,
		Expired:          clockState.Expired,
		Answers:          rt.store.AllTexts(),
		ReviewFlags:      rt.store.ReviewFlags(),
		CurrentIndex:     rt.store.CurrentIndex(),
		AnsweredCount:    rt.store.AnsweredCount(),
		Violations:       rt.monitor.Tally(),
		SubmitState:      rt.pipeline.State(),
		DecisionPending:  rt.pipeline.DecisionPending(),
		PlatformOnline:   rt.heartbeat.Online(),
	}
}

// RetryFailed 重试一条持久失败记录。从落库答案重建最小会话，
// 跳过文件档位直接走批量保存与完成档位，阻塞到本次流水线终态。
func (s *SessionService) RetryFailed(ctx context.Context, attemptID string) (model.SubmissionState, error) {
	s.mu.Lock()
	if rt := s.runtime; rt != nil && !rt.pipeline.State().Terminal() {
		s.mu.Unlock()
		return model.StateNotStarted, util.ErrSessionActive
	}
	if s.retrying[attemptID] {
		s.mu.Unlock()
		return model.StateNotStarted, util.ErrSubmitInProgress
	}
	s.retrying[attemptID] = true
	cfg := s.cfg
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.retrying, attemptID)
		s.mu.Unlock()
	}()

	rec, err := s.failures.FindByAttemptID(attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.StateNotStarted, util.ErrAttemptNotFound
		}
		return model.StateNotStarted, err
	}
	if rec.Retried {
		return model.StateNotStarted, util.ErrAlreadyRetried
	}

	var answers map[string]string
	if rec.Answers != "" {
		if err := json.Unmarshal([]byte(rec.Answers), &answers); err != nil {
			return model.StateNotStarted, fmt.Errorf("decode failed submission answers: %w", err)
		}
	}

	ids := make([]string, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	questions := make([]model.Question, len(ids))
	for i, id := range ids {
		questions[i] = model.Question{ID: id, Order: i}
	}

	session := &model.Session{
		AttemptID:      rec.AttemptID,
		TestID:         rec.TestID,
		Questions:      questions,
		CandidateEmail: rec.CandidateEmail,
	}

	store := NewAnswerStore(session, s.api, s.snapshots)
	for _, id := range ids {
		if err := store.Set(id, answers[id]); err != nil {
			logger.Log.Warn("skipping unrestorable answer", zap.String("questionId", id), zap.Error(err))
		}
	}

	monitor := NewIntegrityMonitor(session, cfg.Violation, s.journal, s.api)
	if rec.Tally != "" {
		var tally model.ViolationTally
		if err := json.Unmarshal([]byte(rec.Tally), &tally); err != nil {
			logger.Log.Warn("failed submission tally unreadable", zap.Error(err))
		} else {
			monitor.RestoreTally(tally)
		}
	}
	store.SetTallySource(monitor.Tally)

	uploads := NewUploadService(&cfg.Storage, s.api)
	pipeline := NewSubmissionPipeline(session, cfg.Session, s.api, store, uploads, monitor,
		s.failures, s.snapshots, s.hub, s.tokens)

	done := make(chan model.SubmissionState, 1)
	pipeline.OnTerminal(func(st model.SubmissionState) {
		done <- st
	})

	logger.Log.Info("retrying failed submission",
		zap.String("attemptId", attemptID), zap.Time("failedAt", rec.FailedAt))
	pipeline.Trigger(ctx, model.TriggerRetry)

	select {
	case st := <-done:
		if st == model.StateSucceeded {
			if err := s.failures.MarkRetried(attemptID); err != nil {
				logger.Log.Error("mark retried failed", zap.String("attemptId", attemptID), zap.Error(err))
			}
		}
		return st, nil
	case <-ctx.Done():
		return pipeline.State(), ctx.Err()
	}
}

// ListFailed 列出尚未重试成功的持久失败记录
func (s *SessionService) ListFailed() ([]model.FailedSubmission, error) {
	return s.failures.ListPending()
}

// ApplyConfig 接收热更新后的配置，作用于之后启动的会话。
// 进行中的会话保持启动时的节奏与阈值不变。
func (s *SessionService) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}
