package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/collabcanvas/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillUserColors = "2026-10-01_backfill_user_colors"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillUserColors, apply: backfillUserColors},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillUserColors gives identities created before colors were persisted a stable
// palette color derived from their user id.
func backfillUserColors(db *gorm.DB) error {
	var identities []users.Identity
	if err := db.Where("user_color = ''").Find(&identities).Error; err != nil {
		return err
	}
	for _, identity := range identities {
		color := paletteColorFor(identity.UserID)
		if err := db.Model(&users.Identity{}).
			Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
			Update("user_color", color).Error; err != nil {
			return err
		}
	}
	return nil
}

func paletteColorFor(userID string) string {
	var sum int
	for _, r := range userID {
		sum += int(r)
	}
	return users.Palette[sum%len(users.Palette)]
}
