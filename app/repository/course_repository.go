package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ManuelReschke/CourseFox/app/models"
)

type courseRepository struct {
	db *gorm.DB
}

// NewCourseRepository creates a new course repository instance
func NewCourseRepository(db *gorm.DB) CourseRepository {
	return &courseRepository{db: db}
}

// FindCourseForPurchase never returns gorm.ErrRecordNotFound; a missing course
// is reported through Exists.
func (r *courseRepository) FindCourseForPurchase(ctx context.Context, courseID uint) (*CoursePurchaseInfo, error) {
	var course models.Course
	err := r.db.WithContext(ctx).
		Select("id", "title", "is_premium", "price", "currency").
		First(&course, courseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &CoursePurchaseInfo{CourseID: courseID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &CoursePurchaseInfo{
		CourseID:  course.ID,
		Title:     course.Title,
		Exists:    true,
		IsPremium: course.IsPremium,
		Price:     course.Price,
		Currency:  course.Currency,
	}, nil
}
