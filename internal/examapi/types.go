package examapi

import "time"

// 平台侧字段均为 snake_case，与考试平台 API 保持一致

type TestSessionResponse struct {
	AttemptID                string            `json:"attempt_id"`
	TestID                   string            `json:"test_id"`
	TestTitle                string            `json:"test_title"`
	DurationMinutes          int               `json:"duration_minutes"`
	TotalQuestions           int               `json:"total_questions"`
	Questions                []QuestionPayload `json:"questions"`
	StartedAt                time.Time         `json:"started_at"`
	EnableTabSwitchDetection bool              `json:"enable_tab_switch_detection"`
	MaxTabSwitchesAllowed    int               `json:"max_tab_switches_allowed"`
}

type QuestionPayload struct {
	ID           string  `json:"id"`
	QuestionText string  `json:"question_text"`
	QuestionType string  `json:"question_type"`
	Marks        float64 `json:"marks"`
	Order        int     `json:"order"`
	Required     bool    `json:"required"`
}

type HeartbeatResponse struct {
	AttemptStatus    string  `json:"attempt_status"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	ServerTime       string  `json:"server_time"`
}

type AnswerPayload struct {
	QuestionID       string `json:"question_id"`
	AnswerText       string `json:"answer_text"`
	TimeSpentSeconds int    `json:"time_spent_seconds,omitempty"`
}

type bulkSaveRequest struct {
	AttemptID string          `json:"attempt_id"`
	Answers   []AnswerPayload `json:"answers"`
}

type bulkSaveResponse struct {
	SavedCount int `json:"saved_count"`
}

type uploadResponse struct {
	FileURL string `json:"file_url"`
}

type completeRequest struct {
	AttemptID   string `json:"attempt_id"`
	TabSwitches int    `json:"tab_switches"`
}

type emergencyRequest struct {
	AttemptID string          `json:"attempt_id"`
	Answers   []AnswerPayload `json:"answers,omitempty"`
}

type TestResultResponse struct {
	AttemptID        string     `json:"attempt_id"`
	TestID           string     `json:"test_id"`
	TestTitle        string     `json:"test_title"`
	Score            float64    `json:"score"`
	TotalMarks       float64    `json:"total_marks"`
	Percentage       float64    `json:"percentage"`
	Passed           bool       `json:"passed"`
	TimeTakenSeconds int        `json:"time_taken_seconds"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type recoverResponse struct {
	Answers []AnswerPayload `json:"answers"`
}

type flagViolationRequest struct {
	AttemptID string `json:"attempt_id"`
}

type FlagViolationResponse struct {
	ViolationCount int  `json:"violation_count"`
	IsFlagged      bool `json:"is_flagged"`
}

type autoCompleteResponse struct {
	CompletedCount int `json:"completed_count"`
}
