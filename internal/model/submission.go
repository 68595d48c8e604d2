package model

import "time"

// SubmissionState 提交流水线状态，只向前推进且每个状态至多进入一次
type SubmissionState string

const (
	StateNotStarted          SubmissionState = "notStarted"
	StateFileUploading       SubmissionState = "fileUploading"
	StateBulkSaving          SubmissionState = "bulkSaving"
	StateCompleting          SubmissionState = "completing"
	StateEmergencyCompleting SubmissionState = "emergencyCompleting"
	StateNoAuthCompleting    SubmissionState = "noAuthCompleting"
	StateSucceeded           SubmissionState = "succeeded"
	StateDurablyFailed       SubmissionState = "durablyFailed"
)

var stateOrder = map[SubmissionState]int{
	StateNotStarted:          0,
	StateFileUploading:       1,
	StateBulkSaving:          2,
	StateCompleting:          3,
	StateEmergencyCompleting: 4,
	StateNoAuthCompleting:    5,
	StateSucceeded:           6,
	StateDurablyFailed:       7,
}

// CanAdvance 判断状态推进是否合法，只允许严格前进
func (s SubmissionState) CanAdvance(next SubmissionState) bool {
	from, ok := stateOrder[s]
	if !ok {
		return false
	}
	to, ok := stateOrder[next]
	if !ok {
		return false
	}
	return to > from
}

// Terminal 是否为终态
func (s SubmissionState) Terminal() bool {
	return s == StateSucceeded || s == StateDurablyFailed
}

// SubmitTrigger 提交触发来源
type SubmitTrigger string

const (
	TriggerManual  SubmitTrigger = "manual"
	TriggerExpiry  SubmitTrigger = "expiry"
	TriggerExpired SubmitTrigger = "expiredRestore"
	TriggerRemote  SubmitTrigger = "remoteCompleted"
	TriggerRetry   SubmitTrigger = "retry"
)

// TestResult 平台返回的判分结果
type TestResult struct {
	AttemptID        string     `json:"attemptId"`
	TestID           string     `json:"testId"`
	TestTitle        string     `json:"testTitle"`
	Score            float64    `json:"score"`
	TotalMarks       float64    `json:"totalMarks"`
	Percentage       float64    `json:"percentage"`
	Passed           bool       `json:"passed"`
	TimeTakenSeconds int        `json:"timeTakenSeconds"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}
