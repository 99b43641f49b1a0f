package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/enum"
	"github.com/customeros/imapfleet/internal/models"
	"github.com/customeros/imapfleet/internal/tracing"
	"github.com/customeros/imapfleet/internal/utils"
)

type mailboxStatusRepository struct {
	db *gorm.DB
}

func NewMailboxStatusRepository(db *gorm.DB) interfaces.MailboxStatusRepository {
	return &mailboxStatusRepository{db: db}
}

func (r *mailboxStatusRepository) Get(ctx context.Context, mailboxID string) (*models.MailboxStatus, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxStatusRepository.Get")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	var status models.MailboxStatus
	result := r.db.WithContext(ctx).Where("mailbox_id = ?", mailboxID).First(&status)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		tracing.TraceErr(span, result.Error)
		return nil, fmt.Errorf("failed to get mailbox status: %w", result.Error)
	}

	return &status, nil
}

// Upsert tries an update first and creates the row when nothing matched.
// A duplicate-key race on create is retried once as an update.
func (r *mailboxStatusRepository) Upsert(ctx context.Context, status *models.MailboxStatus) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxStatusRepository.Upsert")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, status.MailboxID)

	status.UpdatedAt = utils.Now()

	updates := map[string]interface{}{
		"state":                status.State,
		"active":               status.Active,
		"last_connected_at":    status.LastConnectedAt,
		"last_disconnected_at": status.LastDisconnectedAt,
		"last_error_at":        status.LastErrorAt,
		"last_error":           status.LastError,
		"next_reconnect_at":    status.NextReconnectAt,
		"updated_at":           status.UpdatedAt,
	}

	result := r.db.WithContext(ctx).
		Model(&models.MailboxStatus{}).
		Where("mailbox_id = ?", status.MailboxID).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to update mailbox status: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	result = r.db.WithContext(ctx).Create(status)
	if result.Error == nil {
		return nil
	}

	if isDuplicateKeyError(result.Error) {
		retry := r.db.WithContext(ctx).
			Model(&models.MailboxStatus{}).
			Where("mailbox_id = ?", status.MailboxID).
			Updates(updates)
		if retry.Error != nil {
			tracing.TraceErr(span, retry.Error)
			return fmt.Errorf("failed to update mailbox status after duplicate key: %w", retry.Error)
		}
		return nil
	}

	tracing.TraceErr(span, result.Error)
	return fmt.Errorf("failed to create mailbox status: %w", result.Error)
}

// IncrementCounters applies the deltas in a single atomic UPDATE so that
// concurrent increments never lose writes.
func (r *mailboxStatusRepository) IncrementCounters(ctx context.Context, mailboxID string, attempts, successes, failures, processed int64) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxStatusRepository.IncrementCounters")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	updates := map[string]interface{}{
		"updated_at": utils.Now(),
	}
	if attempts != 0 {
		updates["connection_attempts"] = gorm.Expr("connection_attempts + ?", attempts)
	}
	if successes != 0 {
		updates["connection_successes"] = gorm.Expr("connection_successes + ?", successes)
	}
	if failures != 0 {
		updates["connection_failures"] = gorm.Expr("connection_failures + ?", failures)
	}
	if processed != 0 {
		updates["messages_processed"] = gorm.Expr("messages_processed + ?", processed)
	}

	result := r.db.WithContext(ctx).
		Model(&models.MailboxStatus{}).
		Where("mailbox_id = ?", mailboxID).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to increment counters: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		seed := &models.MailboxStatus{
			MailboxID:           mailboxID,
			Active:              true,
			ConnectionAttempts:  max64(attempts, 0),
			ConnectionSuccesses: max64(successes, 0),
			ConnectionFailures:  max64(failures, 0),
			MessagesProcessed:   max64(processed, 0),
		}
		if err := r.db.WithContext(ctx).Create(seed).Error; err != nil && !isDuplicateKeyError(err) {
			tracing.TraceErr(span, err)
			return fmt.Errorf("failed to seed mailbox status: %w", err)
		}
	}

	return nil
}

func (r *mailboxStatusRepository) SaveWatermark(ctx context.Context, mailboxID string, lastSeq uint32) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxStatusRepository.SaveWatermark")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagMailbox(span, mailboxID)

	now := utils.Now()
	result := r.db.WithContext(ctx).
		Model(&models.MailboxStatus{}).
		Where("mailbox_id = ?", mailboxID).
		Updates(map[string]interface{}{
			"last_seq":             lastSeq,
			"watermark_updated_at": now,
			"updated_at":           now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return fmt.Errorf("failed to save watermark: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		seed := &models.MailboxStatus{
			MailboxID:          mailboxID,
			Active:             true,
			LastSeq:            lastSeq,
			WatermarkUpdatedAt: &now,
		}
		if err := r.db.WithContext(ctx).Create(seed).Error; err != nil && !isDuplicateKeyError(err) {
			tracing.TraceErr(span, err)
			return fmt.Errorf("failed to seed watermark: %w", err)
		}
	}

	return nil
}

func (r *mailboxStatusRepository) NeedingReconnection(ctx context.Context) ([]models.MailboxStatus, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxStatusRepository.NeedingReconnection")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var statuses []models.MailboxStatus
	err := r.db.WithContext(ctx).
		Where("active = ? AND state IN ?", true, []string{
			enum.ConnectionDisconnected.String(),
			enum.ConnectionError.String(),
			enum.ConnectionReconnecting.String(),
		}).
		Find(&statuses).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get mailboxes needing reconnection: %w", err)
	}

	return statuses, nil
}

func (r *mailboxStatusRepository) GetActiveWithStatus(ctx context.Context) ([]models.MailboxWithStatus, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "mailboxStatusRepository.GetActiveWithStatus")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var mailboxes []models.Mailbox
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&mailboxes).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, fmt.Errorf("failed to get active mailboxes: %w", err)
	}

	ids := make([]string, 0, len(mailboxes))
	for _, m := range mailboxes {
		ids = append(ids, m.ID)
	}

	var statuses []models.MailboxStatus
	if len(ids) > 0 {
		if err := r.db.WithContext(ctx).Where("mailbox_id IN ?", ids).Find(&statuses).Error; err != nil {
			tracing.TraceErr(span, err)
			return nil, fmt.Errorf("failed to get mailbox statuses: %w", err)
		}
	}

	statusByID := make(map[string]*models.MailboxStatus, len(statuses))
	for i := range statuses {
		statusByID[statuses[i].MailboxID] = &statuses[i]
	}

	joined := make([]models.MailboxWithStatus, 0, len(mailboxes))
	for _, m := range mailboxes {
		joined = append(joined, models.MailboxWithStatus{
			Mailbox: m,
			Status:  statusByID[m.ID],
		})
	}

	return joined, nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	return err == gorm.ErrDuplicatedKey ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "SQLSTATE 23505")
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
