package relica

import (
	"context"
	"database/sql"
	"time"

	"github.com/coregx/chatcore"
	"github.com/coregx/chatcore/model"
	"github.com/coregx/relica"
)

// OutboxRepository implements chatcore.OutboxRepository using Relica.
type OutboxRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewOutboxRepository creates a new OutboxRepository with default table prefix.
func NewOutboxRepository(sqlDB *sql.DB, driverName string) *OutboxRepository {
	return NewOutboxRepositoryWithPrefix(sqlDB, driverName, chatcore.DefaultTablePrefix)
}

// NewOutboxRepositoryWithPrefix creates a new OutboxRepository with custom table prefix.
func NewOutboxRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *OutboxRepository {
	return &OutboxRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *OutboxRepository) tableName() string {
	return r.tablePrefix + "outbox"
}

// Save creates or updates an outbox item.
func (r *OutboxRepository) Save(ctx context.Context, m *model.OutboundMessage) (*model.OutboundMessage, error) {
	if m.ID == 0 {
		err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Insert()
		if err != nil {
			return m, chatcore.NewErrorWithCause(chatcore.ErrCodeDatabase, "failed to insert outbox item", err)
		}
		return m, nil
	}

	err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Update()
	if err != nil {
		return m, chatcore.NewErrorWithCause(chatcore.ErrCodeDatabase, "failed to update outbox item", err)
	}
	return m, nil
}

// Delete removes an outbox item.
func (r *OutboxRepository) Delete(ctx context.Context, m *model.OutboundMessage) error {
	err := r.db.WithContext(ctx).Model(m).Table(r.tableName()).Delete()
	if err != nil {
		return chatcore.NewErrorWithCause(chatcore.ErrCodeDatabase, "failed to delete outbox item", err)
	}
	return nil
}

// FindPending retrieves the owner's pending items in sequence order.
func (r *OutboxRepository) FindPending(ctx context.Context, owner string, limit int) ([]model.OutboundMessage, error) {
	var items []model.OutboundMessage

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("owner = ? AND status = ?", owner, model.OutboundStatusPending).
		OrderBy("sequence_number ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&items)

	if err != nil {
		return nil, chatcore.NewErrorWithCause(chatcore.ErrCodeDatabase, "failed to find pending outbox items", err)
	}
	return items, nil
}

// DeleteByOwner removes every item of owner.
func (r *OutboxRepository) DeleteByOwner(ctx context.Context, owner string) error {
	var items []model.OutboundMessage

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("owner = ?", owner).
		WithContext(ctx).
		All(&items)
	if err != nil {
		return chatcore.NewErrorWithCause(chatcore.ErrCodeDatabase, "failed to list outbox items", err)
	}

	for i := range items {
		if err := r.Delete(ctx, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpired removes items that expired before the given time.
func (r *OutboxRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	var items []model.OutboundMessage

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("expires_at < ?", before).
		OrderBy("expires_at ASC").
		WithContext(ctx).
		All(&items)
	if err != nil {
		return 0, chatcore.NewErrorWithCause(chatcore.ErrCodeDatabase, "failed to find expired outbox items", err)
	}

	var deleted int64
	for i := range items {
		if err := r.Delete(ctx, &items[i]); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
