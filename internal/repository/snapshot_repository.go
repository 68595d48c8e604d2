package repository

import (
	"exam_proctor_agent/internal/model"

	"gorm.io/gorm"
)

type SnapshotRepository struct {
	DB *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{DB: db}
}

// Upsert 按 attemptId 幂等写入快照
func (r *SnapshotRepository) Upsert(snap *model.SessionSnapshot) error {
	var existing model.SessionSnapshot
	err := r.DB.Where("attempt_id = ?", snap.AttemptID).First(&existing).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if existing.ID == 0 {
		return r.DB.Create(snap).Error
	}
	existing.Answers = snap.Answers
	existing.ReviewFlags = snap.ReviewFlags
	existing.CurrentIndex = snap.CurrentIndex
	existing.Flagged = snap.Flagged
	existing.FlagReason = snap.FlagReason
	existing.SavedAt = snap.SavedAt
	return r.DB.Save(&existing).Error
}

func (r *SnapshotRepository) FindByAttemptID(attemptID string) (*model.SessionSnapshot, error) {
	var s model.SessionSnapshot
	if err := r.DB.Where("attempt_id = ?", attemptID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SnapshotRepository) DeleteByAttemptID(attemptID string) error {
	return r.DB.Where("attempt_id = ?", attemptID).Delete(&model.SessionSnapshot{}).Error
}
