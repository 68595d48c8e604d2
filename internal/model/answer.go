package model

import (
	"strings"
	"time"
)

// AnswerFilePrefix 文件型答案在答案文本中的标记前缀，其后为文件引用
const AnswerFilePrefix = "FILE:"

// Answer 本地答案副本，Dirty 表示尚未推送到平台
type Answer struct {
	QuestionID string    `json:"questionId"`
	Text       string    `json:"text"`
	Review     bool      `json:"review"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Dirty      bool      `json:"-"`
}

// IsFileAnswer 判断答案文本是否为文件引用
func IsFileAnswer(text string) bool {
	return strings.HasPrefix(text, AnswerFilePrefix)
}

// FileAnswer 由文件引用构造答案文本
func FileAnswer(fileRef string) string {
	return AnswerFilePrefix + fileRef
}

// FileRef 取文件引用部分，非文件型答案返回空串
func FileRef(text string) string {
	if !IsFileAnswer(text) {
		return ""
	}
	return strings.TrimPrefix(text, AnswerFilePrefix)
}
