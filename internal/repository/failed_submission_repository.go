package repository

import (
	"exam_proctor_agent/internal/model"

	"gorm.io/gorm"
)

type FailedSubmissionRepository struct {
	DB *gorm.DB
}

func NewFailedSubmissionRepository(db *gorm.DB) *FailedSubmissionRepository {
	return &FailedSubmissionRepository{DB: db}
}

// Save 同一 attemptId 重复落败只保留最新一条
func (r *FailedSubmissionRepository) Save(rec *model.FailedSubmission) error {
	var existing model.FailedSubmission
	err := r.DB.Where("attempt_id = ?", rec.AttemptID).First(&existing).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if existing.ID == 0 {
		return r.DB.Create(rec).Error
	}
	existing.Answers = rec.Answers
	existing.Tally = rec.Tally
	existing.CandidateEmail = rec.CandidateEmail
	existing.LastError = rec.LastError
	existing.FileSpoolPath = rec.FileSpoolPath
	existing.FailedAt = rec.FailedAt
	existing.Retried = false
	return r.DB.Save(&existing).Error
}

func (r *FailedSubmissionRepository) FindByAttemptID(attemptID string) (*model.FailedSubmission, error) {
	var f model.FailedSubmission
	if err := r.DB.Where("attempt_id = ?", attemptID).First(&f).Error; err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *FailedSubmissionRepository) ListPending() ([]model.FailedSubmission, error) {
	var list []model.FailedSubmission
	err := r.DB.Where("retried = ?", false).Order("failed_at DESC").Find(&list).Error
	return list, err
}

func (r *FailedSubmissionRepository) MarkRetried(attemptID string) error {
	return r.DB.Model(&model.FailedSubmission{}).
		Where("attempt_id = ?", attemptID).
		Update("retried", true).Error
}
