package repository

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/models"
	"github.com/customeros/imapfleet/internal/tracing"
)

type mailboxRepository struct {
	db *gorm.DB
}

func NewMailboxRepository(db *gorm.DB) interfaces.MailboxRepository {
	return &mailboxRepository{db: db}
}

// GetActiveMailboxes returns all mailboxes flagged active, the fleet's
// scheduling universe.
func (r *mailboxRepository) GetActiveMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.GetActiveMailboxes")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var mailboxes []models.Mailbox
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&mailboxes).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get active mailboxes: %w", err)
	}

	return mailboxes, nil
}

func (r *mailboxRepository) GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var mailbox models.Mailbox
	result := r.db.WithContext(ctx).Where("id = ?", mailboxID).First(&mailbox)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, fmt.Errorf("failed to get mailbox: %w", result.Error)
	}

	return &mailbox, nil
}
