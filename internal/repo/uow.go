package repo

import (
	"context"

	"gorm.io/gorm"
)

// UnitOfWork is an explicit persistence transaction. Every mutation in the
// core takes one; callers without an existing scope start one at the
// boundary via WithUnitOfWork. Any error returned from the function rolls
// back everything written inside it.
type UnitOfWork struct {
	tx *gorm.DB
}

// DB exposes the transactional handle for query composition.
func (u *UnitOfWork) DB() *gorm.DB { return u.tx }

// WithUnitOfWork opens a transaction boundary and runs fn inside it.
func (r *Repository) WithUnitOfWork(ctx context.Context, fn func(uow *UnitOfWork) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&UnitOfWork{tx: tx})
	})
}
