package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"exam_proctor_agent/internal/examapi"
	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/internal/repository"
	"exam_proctor_agent/internal/util"
	"exam_proctor_agent/pkg/logger"
	"exam_proctor_agent/pkg/monitoring"
)

// AnswerStore 会话答案的本地权威副本。写入方只有控制 API，
// 读取方拿到的都是拷贝，后台循环负责本地快照与远端推送。
type AnswerStore struct {
	session   *model.Session
	api       *examapi.Client
	snapshots *repository.SnapshotRepository

	mu           sync.Mutex
	answers      map[string]*model.Answer
	currentIndex int
	lastSave     time.Time

	tallySource func() model.ViolationTally
	now         func() time.Time
}

func NewAnswerStore(session *model.Session, api *examapi.Client, snapshots *repository.SnapshotRepository) *AnswerStore {
	return &AnswerStore{
		session:   session,
		api:       api,
		snapshots: snapshots,
		answers:   make(map[string]*model.Answer),
		now:       time.Now,
	}
}

// SetTallySource 注入快照用的违规状态来源
func (s *AnswerStore) SetTallySource(fn func() model.ViolationTally) {
	s.tallySource = fn
}

// Set 记录一条文本答案，题号必须属于当前会话
func (s *AnswerStore) Set(questionID, text string) error {
	if !s.session.HasQuestion(questionID) {
		return util.ErrUnknownQuestion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.answers[questionID]
	if !ok {
		a = &model.Answer{QuestionID: questionID}
		s.answers[questionID] = a
	}
	a.Text = text
	a.UpdatedAt = s.now()
	// 文件型答案不走文本推送，无需脏标记
	a.Dirty = !model.IsFileAnswer(text)
	return nil
}

// SetFileRef 以文件引用覆盖答案文本
func (s *AnswerStore) SetFileRef(questionID, fileRef string) error {
	return s.Set(questionID, model.FileAnswer(fileRef))
}

func (s *AnswerStore) Get(questionID string) (model.Answer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.answers[questionID]
	if !ok {
		return model.Answer{}, false
	}
	return *a, true
}

// ToggleReview 翻转题目的标记待查状态，返回新值
func (s *AnswerStore) ToggleReview(questionID string) (bool, error) {
	if !s.session.HasQuestion(questionID) {
		return false, util.ErrUnknownQuestion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.answers[questionID]
	if !ok {
		a = &model.Answer{QuestionID: questionID, UpdatedAt: s.now()}
		s.answers[questionID] = a
	}
	a.Review = !a.Review
	return a.Review, nil
}

func (s *AnswerStore) SetCurrentIndex(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.session.Questions) {
		s.currentIndex = i
	}
}

func (s *AnswerStore) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIndex
}

// Answers 返回全部答案的值拷贝
func (s *AnswerStore) Answers() map[string]model.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]model.Answer, len(s.answers))
	for id, a := range s.answers {
		out[id] = *a
	}
	return out
}

// AllTexts 返回题号到答案文本的映射，含文件标记，供提交与留存使用
func (s *AnswerStore) AllTexts() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.answers))
	for id, a := range s.answers {
		out[id] = a.Text
	}
	return out
}

func (s *AnswerStore) AnsweredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.answers {
		if a.Text != "" {
			n++
		}
	}
	return n
}

// ReviewFlags 返回被标记稍后检查的题号集合
func (s *AnswerStore) ReviewFlags() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for id, a := range s.answers {
		if a.Review {
			out[id] = true
		}
	}
	return out
}

// TextAnswerPayloads 导出全部文本答案，文件型答案一律排除
func (s *AnswerStore) TextAnswerPayloads() []examapi.AnswerPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]examapi.AnswerPayload, 0, len(s.answers))
	for id, a := range s.answers {
		if a.Text == "" || model.IsFileAnswer(a.Text) {
			continue
		}
		out = append(out, examapi.AnswerPayload{QuestionID: id, AnswerText: a.Text})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out
}

// PushDirty 把脏的文本答案逐条推送到平台，失败的保留脏标记等下个周期。
// 返回成功推送的条数。
func (s *AnswerStore) PushDirty(ctx context.Context) (int, error) {
	payloads, asOf := s.captureDirty()
	if len(payloads) == 0 {
		return 0, nil
	}

	var pushed []string
	var firstErr error
	for _, p := range payloads {
		if err := s.api.SaveAnswer(ctx, s.session.AttemptID, p); err != nil {
			monitoring.AnswerPushFailures.Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("push answer %s: %w", p.QuestionID, err)
			}
			continue
		}
		pushed = append(pushed, p.QuestionID)
	}

	s.markSynced(pushed, asOf)
	return len(pushed), firstErr
}

func (s *AnswerStore) captureDirty() ([]examapi.AnswerPayload, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asOf := s.now()
	var out []examapi.AnswerPayload
	for id, a := range s.answers {
		if !a.Dirty || a.Text == "" || model.IsFileAnswer(a.Text) {
			continue
		}
		out = append(out, examapi.AnswerPayload{QuestionID: id, AnswerText: a.Text})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuestionID < out[j].QuestionID })
	return out, asOf
}

// markSynced 只清除推送期间未再被改写的答案的脏标记
func (s *AnswerStore) markSynced(ids []string, asOf time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		a, ok := s.answers[id]
		if !ok {
			continue
		}
		if !a.UpdatedAt.After(asOf) {
			a.Dirty = false
		}
	}
}

// SnapshotNow 立即把当前进度落盘
func (s *AnswerStore) SnapshotNow() error {
	s.mu.Lock()

	texts := make(map[string]string, len(s.answers))
	reviews := make(map[string]bool)
	for id, a := range s.answers {
		texts[id] = a.Text
		if a.Review {
			reviews[id] = true
		}
	}
	index := s.currentIndex
	savedAt := s.now()
	if !s.lastSave.IsZero() {
		monitoring.SnapshotAge.Set(savedAt.Sub(s.lastSave).Seconds())
	}
	s.lastSave = savedAt
	s.mu.Unlock()

	answersJSON, err := json.Marshal(texts)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	reviewsJSON, err := json.Marshal(reviews)
	if err != nil {
		return fmt.Errorf("marshal review flags: %w", err)
	}

	var flagged bool
	var reason string
	if s.tallySource != nil {
		tally := s.tallySource()
		flagged = tally.Flagged
		reason = tally.FlagReason
	}

	return s.snapshots.Upsert(&model.SessionSnapshot{
		AttemptID:    s.session.AttemptID,
		TestID:       s.session.TestID,
		Answers:      string(answersJSON),
		ReviewFlags:  string(reviewsJSON),
		CurrentIndex: index,
		Flagged:      flagged,
		FlagReason:   reason,
		SavedAt:      savedAt,
	})
}

// RestoreSnapshot 启动时恢复本地快照，attemptId 不匹配的旧快照直接忽略
func (s *AnswerStore) RestoreSnapshot(snap *model.SessionSnapshot) error {
	if snap == nil {
		return nil
	}
	if snap.AttemptID != s.session.AttemptID {
		logger.Log.Info("stale snapshot ignored",
			zap.String("snapshotAttempt", snap.AttemptID),
			zap.String("attempt", s.session.AttemptID))
		return nil
	}

	texts := make(map[string]string)
	if snap.Answers != "" {
		if err := json.Unmarshal([]byte(snap.Answers), &texts); err != nil {
			return fmt.Errorf("unmarshal snapshot answers: %w", err)
		}
	}
	reviews := make(map[string]bool)
	if snap.ReviewFlags != "" {
		if err := json.Unmarshal([]byte(snap.ReviewFlags), &reviews); err != nil {
			return fmt.Errorf("unmarshal review flags: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, text := range texts {
		if !s.session.HasQuestion(id) {
			continue
		}
		s.answers[id] = &model.Answer{
			QuestionID: id,
			Text:       text,
			Review:     reviews[id],
			UpdatedAt:  snap.SavedAt,
			// 恢复的文本答案可能没来得及推送，重新标脏
			Dirty: text != "" && !model.IsFileAnswer(text),
		}
	}
	for id, marked := range reviews {
		if !marked || !s.session.HasQuestion(id) {
			continue
		}
		if _, ok := s.answers[id]; !ok {
			s.answers[id] = &model.Answer{QuestionID: id, Review: true, UpdatedAt: snap.SavedAt}
		}
	}
	if snap.CurrentIndex >= 0 && snap.CurrentIndex < len(s.session.Questions) {
		s.currentIndex = snap.CurrentIndex
	}
	return nil
}

// ApplyRecovered 合并服务端找回的答案，本地已有作答的题目以本地为准
func (s *AnswerStore) ApplyRecovered(payloads []examapi.AnswerPayload) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for _, p := range payloads {
		if !s.session.HasQuestion(p.QuestionID) {
			continue
		}
		if a, ok := s.answers[p.QuestionID]; ok && a.Text != "" {
			continue
		}
		s.answers[p.QuestionID] = &model.Answer{
			QuestionID: p.QuestionID,
			Text:       p.AnswerText,
			UpdatedAt:  s.now(),
		}
		applied++
	}
	return applied
}

// RunSnapshotLoop 周期性落盘，会话上下文取消即停
func (s *AnswerStore) RunSnapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SnapshotNow(); err != nil {
				logger.Log.Error("session snapshot save failed", zap.Error(err))
			}
		}
	}
}

// RunPushLoop 周期性推送脏答案，失败只记录，等下个周期
func (s *AnswerStore) RunPushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PushDirty(ctx); err != nil {
				logger.Log.Warn("answer push failed", zap.Error(err))
			}
		}
	}
}
