package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Session mirrors the row layout read and written by the dashboard session store.
type Session struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Subject      string            `gorm:"type:text;not null;index"`
	Name         string            `gorm:"type:text"`
	Email        string            `gorm:"type:text"`
	AccessToken  string            `gorm:"type:text"`
	RefreshToken string            `gorm:"type:text"`
	IDToken      string            `gorm:"type:text"`
	TokenExpiry  *time.Time        `gorm:"type:timestamptz"`
	Claims       datatypes.JSONMap `gorm:"type:jsonb"`
	ExpiresAt    time.Time         `gorm:"type:timestamptz;not null;index"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Session) TableName() string { return "sessions" }

// All returns the dashboard migrations in version order.
func All() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(1, &goose.GoFunc{RunTx: upSessions}, &goose.GoFunc{RunTx: downSessions}),
	}
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upSessions(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&Session{})
}

func downSessions(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&Session{})
}
