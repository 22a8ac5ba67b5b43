package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/CourseFox/app/models"
)

type enrollmentRepository struct {
	db *gorm.DB
}

// NewEnrollmentRepository creates a new enrollment repository instance
func NewEnrollmentRepository(db *gorm.DB) EnrollmentRepository {
	return &enrollmentRepository{db: db}
}

func (r *enrollmentRepository) FindByUserAndCourse(ctx context.Context, userID, courseID uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		First(&enrollment).Error
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// CreateIfNotExists relies on ux_enrollments_user_course. ON CONFLICT DO NOTHING
// keeps a surrounding postgres transaction usable when the row already exists.
// The re-read is a locking read: under REPEATABLE READ a plain SELECT would
// still see the snapshot taken before a concurrent insert committed.
func (r *enrollmentRepository) CreateIfNotExists(ctx context.Context, enrollment *models.Enrollment) (bool, *models.Enrollment, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "course_id"},
		},
		DoNothing: true,
	}).Create(enrollment)
	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
		return false, nil, tx.Error
	}

	created := tx.Error == nil && tx.RowsAffected > 0
	var stored models.Enrollment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthShare}).
		Where("user_id = ? AND course_id = ?", enrollment.UserID, enrollment.CourseID).
		First(&stored).Error
	if err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}
