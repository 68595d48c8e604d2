package model

import "time"

// swagger:model SessionSnapshot
// SessionSnapshot 本地会话快照，按 attemptId 持久化，重启后恢复作答进度
type SessionSnapshot struct {
	BaseModel

	AttemptID    string    `gorm:"uniqueIndex" json:"attemptId"`
	TestID       string    `gorm:"index" json:"testId"`
	Answers      string    `gorm:"type:json" json:"answers"`
	ReviewFlags  string    `gorm:"type:json" json:"reviewFlags"`
	CurrentIndex int       `json:"currentIndex"`
	Flagged      bool      `gorm:"default:false" json:"flagged"`
	FlagReason   string    `json:"flagReason"`
	SavedAt      time.Time `json:"savedAt"`
}

func (SessionSnapshot) TableName() string {
	return "session_snapshots"
}

// swagger:model FailedSubmission
// FailedSubmission 所有提交层级耗尽后的本地留存记录，供人工或重试恢复
type FailedSubmission struct {
	BaseModel

	AttemptID      string    `gorm:"uniqueIndex" json:"attemptId"`
	TestID         string    `gorm:"index" json:"testId"`
	Answers        string    `gorm:"type:json" json:"answers"`
	Tally          string    `gorm:"type:json" json:"tally"`
	CandidateEmail string    `json:"candidateEmail"`
	LastError      string    `json:"lastError"`
	FileSpoolPath  string    `json:"fileSpoolPath"`
	FailedAt       time.Time `json:"failedAt"`
	Retried        bool      `gorm:"default:false" json:"retried"`
}

func (FailedSubmission) TableName() string {
	return "failed_submissions"
}

// swagger:model ViolationEvent
// ViolationEvent 违规流水账，远端上报失败时本地证据仍然完整
type ViolationEvent struct {
	UUIDBase

	AttemptID  string    `gorm:"index" json:"attemptId"`
	Type       string    `gorm:"index" json:"type"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurredAt"`
	Reported   bool      `gorm:"default:false" json:"reported"`
}

func (ViolationEvent) TableName() string {
	return "violation_events"
}
