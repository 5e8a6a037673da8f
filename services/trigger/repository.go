package trigger

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListParams describes filters applied when listing rules from the repository.
type ListParams struct {
	Category   string
	OnlyActive bool
}

// Repository describes database operations available for trigger rules.
type Repository interface {
	Create(ctx context.Context, rule *TriggerRule) error
	GetByID(ctx context.Context, ruleID string) (*TriggerRule, error)
	List(ctx context.Context, params ListParams) ([]TriggerRule, error)
	SetActive(ctx context.Context, ruleID string, active bool) error
	RecordActivation(ctx context.Context, ruleID string, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository returns a gorm backed Repository implementation.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Create(ctx context.Context, rule *TriggerRule) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *gormRepository) GetByID(ctx context.Context, ruleID string) (*TriggerRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	var rule TriggerRule
	err := r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		First(&rule).Error
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (r *gormRepository) List(ctx context.Context, params ListParams) ([]TriggerRule, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}

	query := r.db.WithContext(ctx).Model(&TriggerRule{})

	if params.Category != "" {
		query = query.Where("category = ?", params.Category)
	}
	if params.OnlyActive {
		query = query.Where("is_active = ?", true)
	}

	query = query.Order("created_at ASC").Order("rule_id ASC")

	var rules []TriggerRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *gormRepository) SetActive(ctx context.Context, ruleID string, active bool) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&TriggerRule{}).
		Where("rule_id = ?", ruleID).
		Updates(map[string]any{
			"is_active":  active,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) RecordActivation(ctx context.Context, ruleID string, at time.Time) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}

	res := r.db.WithContext(ctx).
		Model(&TriggerRule{}).
		Where("rule_id = ?", ruleID).
		Updates(map[string]any{
			"activation_count":  gorm.Expr("activation_count + 1"),
			"last_activated_at": at,
			"updated_at":        at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
