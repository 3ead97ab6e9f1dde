package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/mjgate/internal/config"
	"github.com/zulandar/mjgate/internal/models"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.Task{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAccounts upserts Account rows from configuration. Only the static
// fields are overwritten; runtime state such as lock and mode survives a
// restart.
func SeedAccounts(db *gorm.DB, accounts []config.AccountConfig) error {
	for _, ac := range accounts {
		acct := models.Account{
			ID:               ac.ID,
			Name:             ac.Name,
			GuildID:          ac.GuildID,
			ChannelID:        ac.ChannelID,
			PrivateChannelID: ac.PrivateChannelID,
			SubChannels:      ac.SubChannels,
			UserToken:        ac.UserToken,
			UserAgent:        ac.UserAgent,
			AutoRelax:        ac.AutoRelax,
			Enabled:          ac.IsEnabled(),
		}

		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "guild_id", "channel_id", "private_channel_id",
				"sub_channels", "user_token", "user_agent", "auto_relax",
			}),
		}).Create(&acct)
		if result.Error != nil {
			return fmt.Errorf("db: seed account %q: %w", ac.ID, result.Error)
		}
	}
	return nil
}
