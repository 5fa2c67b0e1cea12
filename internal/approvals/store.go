package approvals

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/db/models"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
)

// Gateway moves a claim can commit its holder to.
const (
	ActionCapture = "capture"
	ActionCancel  = "cancel"
)

// Store holds the decision claim on an order awaiting approval.
type Store interface {
	Claim(ctx context.Context, orderID uuid.UUID, token, action string, now, staleBefore time.Time) (bool, error)
	Release(ctx context.Context, orderID uuid.UUID, token string) error
}

// GormStore keeps the claim on the order row itself.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Claim takes the decision slot for action. A lease older than staleBefore
// can only be taken over for the same action: its holder may have moved the
// authorization already, so the opposite move stays locked out. It commits
// on its own so competing deciders see it.
func (s *GormStore) Claim(ctx context.Context, orderID uuid.UUID, token, action string, now, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, enums.OrderStatusPendingApproval).
		Where("decision_token IS NULL OR ((decision_locked_at IS NULL OR decision_locked_at < ?) AND (decision_action IS NULL OR decision_action = ?))", staleBefore, action).
		Updates(map[string]any{
			"decision_token":     token,
			"decision_locked_at": now,
			"decision_action":    action,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release drops the claim, but only if token still owns it.
func (s *GormStore) Release(ctx context.Context, orderID uuid.UUID, token string) error {
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND decision_token = ?", orderID, token).
		Updates(map[string]any{
			"decision_token":     nil,
			"decision_locked_at": nil,
			"decision_action":    nil,
		}).Error
}
