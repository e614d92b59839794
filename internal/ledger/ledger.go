// Package ledger records credit deductions for executed actions. Ledger
// failures are never allowed to fail an action that already ran against the
// platform; callers log and continue.
package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/recruitkit/puppetd/internal/store"
)

// Ledger appends deduction entries to the store.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *Ledger {
	return &Ledger{db: st.DB(), log: log}
}

// Deduct records a charge against the user's balance.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int, category, description string) error {
	if amount <= 0 {
		return nil
	}
	entry := &store.LedgerEntry{
		UserID:      userID,
		Amount:      amount,
		Category:    category,
		Description: description,
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("ledger: deduct %d from %s: %w", amount, userID, err)
	}
	return nil
}

// TotalDeducted sums all deductions recorded for a user. It is a usage
// total, not an account balance; credit grants live outside this service.
func (l *Ledger) TotalDeducted(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&store.LedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
