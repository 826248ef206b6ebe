package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripProviderPrefixes = "2026-05-01_strip_provider_prefix_from_chat_participants"
	migrationBackfillOwnerMembers  = "2026-05-02_backfill_group_owner_membership"
)

// Canonical user ids carry no provider prefix; rows written before that rule used "google:<sub>".
var legacyProviderPrefixes = []string{"google:"}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationStripProviderPrefixes, apply: stripProviderPrefixes},
		{name: migrationBackfillOwnerMembers, apply: backfillOwnerMembership},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return fmt.Errorf("migration %s: %w", migration.name, err)
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func stripProviderPrefixes(db *gorm.DB) error {
	columns := []struct {
		table  string
		column string
	}{
		{table: "chat_messages", column: "sender_id"},
		{table: "chat_messages", column: "receiver_id"},
		{table: "chat_groups", column: "owner_id"},
		{table: "chat_group_members", column: "user_id"},
		{table: "notes", column: "author_id"},
	}
	for _, prefix := range legacyProviderPrefixes {
		start := len(prefix) + 1
		for _, target := range columns {
			statement := fmt.Sprintf("UPDATE %s SET %s = substr(%s, %d) WHERE %s LIKE ?",
				target.table, target.column, target.column, start, target.column)
			if err := db.Exec(statement, prefix+"%").Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func backfillOwnerMembership(db *gorm.DB) error {
	return db.Exec(`INSERT INTO chat_group_members (group_id, user_id, joined_at_s)
SELECT g.group_id, g.owner_id, g.created_at_s FROM chat_groups g
WHERE NOT EXISTS (
	SELECT 1 FROM chat_group_members m WHERE m.group_id = g.group_id AND m.user_id = g.owner_id
)`).Error
}
