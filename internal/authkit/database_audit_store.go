package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("audit_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("audit_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("audit_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("audit_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("audit_store.unsupported_no_scheme")
)

// DatabaseAuditStore persists auth events using GORM.
type DatabaseAuditStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseAuditStore) Driver() string {
	return store.driverLabel
}

type authEventRecord struct {
	EventID        string `gorm:"column:event_id;primaryKey"`
	Action         string `gorm:"column:action;index;not null"`
	UserID         string `gorm:"column:user_id;index;not null;default:''"`
	Email          string `gorm:"column:email;not null;default:''"`
	Path           string `gorm:"column:path;not null;default:''"`
	Reason         string `gorm:"column:reason;not null;default:''"`
	RequestID      string `gorm:"column:request_id;not null;default:''"`
	OccurredAtUnix int64  `gorm:"column:occurred_at_unix;index;not null"`
}

func (authEventRecord) TableName() string {
	return "auth_events"
}

// NewDatabaseAuditStore opens databaseURL (postgres:// or sqlite://) and migrates the schema.
func NewDatabaseAuditStore(ctx context.Context, databaseURL string) (*DatabaseAuditStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("audit_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("audit_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&authEventRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("audit_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseAuditStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Append inserts event.
func (store *DatabaseAuditStore) Append(ctx context.Context, event AuthEvent) error {
	stamped := stampEvent(event)
	record := authEventRecord{
		EventID:        stamped.ID,
		Action:         stamped.Action,
		UserID:         stamped.UserID,
		Email:          stamped.Email,
		Path:           stamped.Path,
		Reason:         stamped.Reason,
		RequestID:      stamped.RequestID,
		OccurredAtUnix: stamped.OccurredAt.UnixNano(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("audit_store.append.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (store *DatabaseAuditStore) Recent(ctx context.Context, limit int) ([]AuthEvent, error) {
	query := store.db.WithContext(ctx).Order("occurred_at_unix DESC").Order("event_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []authEventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit_store.recent.%s: %w", store.driverLabel, err)
	}
	events := make([]AuthEvent, 0, len(records))
	for _, record := range records {
		events = append(events, AuthEvent{
			ID:         record.EventID,
			Action:     record.Action,
			UserID:     record.UserID,
			Email:      record.Email,
			Path:       record.Path,
			Reason:     record.Reason,
			RequestID:  record.RequestID,
			OccurredAt: time.Unix(0, record.OccurredAtUnix).UTC(),
		})
	}
	return events, nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("audit_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("audit_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("audit_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("audit_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
