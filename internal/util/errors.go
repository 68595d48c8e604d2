package util

import "errors"

var (
	ErrNoActiveSession   = errors.New("没有进行中的考试会话")
	ErrSessionActive     = errors.New("考试会话已在进行中")
	ErrUnknownQuestion   = errors.New("question not in this session")
	ErrSessionClosed     = errors.New("session already closed")
	ErrSubmitInProgress  = errors.New("submission already in progress")
	ErrAttemptNotFound   = errors.New("attempt not found")
	ErrNoDecisionPending = errors.New("no file decision pending")
	ErrUnknownSignal     = errors.New("unknown signal type")
	ErrInvalidFileType   = errors.New("file type not allowed for answer upload")
	ErrFileTooLarge      = errors.New("answer file exceeds size limit")
	ErrNoResultYet       = errors.New("result not available yet")
	ErrAlreadyRetried    = errors.New("failed submission already retried")
)
