package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/apk-analysis/artguard/internal/domain"
	"gorm.io/gorm"
)

// ReportRepository 扫描报告 Repository
type ReportRepository interface {
	Create(ctx context.Context, report *domain.ScanReport) error
	FindByID(ctx context.Context, id string) (*domain.ScanReport, error)
	List(ctx context.Context, filter ReportFilter) ([]*domain.ScanReport, int64, error)
	Delete(ctx context.Context, id string) error
}

// ReportFilter 列表查询条件
type ReportFilter struct {
	Source    string
	Framework string
	Flags     *int32
	Limit     int
	Offset    int
}

type reportRepo struct {
	db *gorm.DB
}

// NewReportRepository 创建扫描报告 Repository
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepo{db: db}
}

// Create 写入报告
func (r *reportRepo) Create(ctx context.Context, report *domain.ScanReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// FindByID 查询报告并还原结果
func (r *reportRepo) FindByID(ctx context.Context, id string) (*domain.ScanReport, error) {
	var report domain.ScanReport
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("report %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := report.Decode(); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return &report, nil
}

// List 按创建时间倒序分页查询
func (r *reportRepo) List(ctx context.Context, filter ReportFilter) ([]*domain.ScanReport, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.ScanReport{}).Scopes(filter.scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var reports []*domain.ScanReport
	err := r.db.WithContext(ctx).
		Scopes(filter.scope).
		Order("created_at DESC").
		Order("id").
		Limit(limit).
		Offset(filter.Offset).
		Find(&reports).Error
	if err != nil {
		return nil, 0, err
	}
	for _, report := range reports {
		if err := report.Decode(); err != nil {
			return nil, 0, fmt.Errorf("failed to decode report %s: %w", report.ID, err)
		}
	}
	return reports, total, nil
}

func (f ReportFilter) scope(db *gorm.DB) *gorm.DB {
	if f.Source != "" {
		db = db.Where("source = ?", f.Source)
	}
	if f.Framework != "" {
		db = db.Where("framework_name LIKE ?", f.Framework+"%")
	}
	if f.Flags != nil {
		db = db.Where("flags = ?", *f.Flags)
	}
	return db
}

// Delete 删除报告
func (r *reportRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.ScanReport{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("report %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
