package repository

import (
	"gorm.io/gorm"

	"github.com/customeros/imapfleet/interfaces"
	"github.com/customeros/imapfleet/internal/models"
)

type Repositories struct {
	MailboxRepository       interfaces.MailboxRepository
	MailboxStatusRepository interfaces.MailboxStatusRepository
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		MailboxRepository:       NewMailboxRepository(db),
		MailboxStatusRepository: NewMailboxStatusRepository(db),
	}
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Mailbox{},
		&models.MailboxStatus{},
	)
}
