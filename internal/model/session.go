package model

import "time"

// Session 一次进行中的考试作答，仅由平台 start 响应构造
type Session struct {
	AttemptID      string          `json:"attemptId"`
	TestID         string          `json:"testId"`
	TestTitle      string          `json:"testTitle"`
	ServerStart    time.Time       `json:"serverStart"`
	Duration       time.Duration   `json:"-"`
	DurationMins   int             `json:"durationMinutes"`
	Questions      []Question      `json:"questions"`
	Limits         ViolationLimits `json:"limits"`
	DetectionOn    bool            `json:"detectionOn"`
	CandidateEmail string          `json:"-"`
}

// Question 壳端渲染所需的题目数据，作答内容不在其中
type Question struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Type     string  `json:"type"`
	Marks    float64 `json:"marks"`
	Order    int     `json:"order"`
	Required bool    `json:"required"`
}

// HasQuestion 判断题目是否属于本次会话
func (s *Session) HasQuestion(questionID string) bool {
	for _, q := range s.Questions {
		if q.ID == questionID {
			return true
		}
	}
	return false
}

// QuestionIDs 按卷面顺序返回题目 ID
func (s *Session) QuestionIDs() []string {
	ids := make([]string, len(s.Questions))
	for i, q := range s.Questions {
		ids[i] = q.ID
	}
	return ids
}

// Deadline 服务端锚定的截止时刻
func (s *Session) Deadline() time.Time {
	return s.ServerStart.Add(s.Duration)
}
