package repository

import (
	"exam_proctor_agent/internal/model"

	"gorm.io/gorm"
)

type ViolationEventRepository struct {
	DB *gorm.DB
}

func NewViolationEventRepository(db *gorm.DB) *ViolationEventRepository {
	return &ViolationEventRepository{DB: db}
}

// Append 流水只增不改
func (r *ViolationEventRepository) Append(event *model.ViolationEvent) error {
	return r.DB.Create(event).Error
}

func (r *ViolationEventRepository) MarkReported(id string) error {
	return r.DB.Model(&model.ViolationEvent{}).
		Where("id = ?", id).
		Update("reported", true).Error
}

func (r *ViolationEventRepository) ListByAttemptID(attemptID string) ([]model.ViolationEvent, error) {
	var events []model.ViolationEvent
	err := r.DB.Where("attempt_id = ?", attemptID).Order("occurred_at ASC").Find(&events).Error
	return events, err
}

func (r *ViolationEventRepository) CountByType(attemptID string, violationType string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.ViolationEvent{}).
		Where("attempt_id = ? AND type = ?", attemptID, violationType).
		Count(&count).Error
	return count, err
}
