package lead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// PostgresStore keeps leads in the "leads" table.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects and migrates the leads table.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lead database: %w", err)
	}
	if err := db.AutoMigrate(&model.Lead{}); err != nil {
		return nil, fmt.Errorf("failed to migrate leads: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, lead *model.Lead) error {
	if err := s.db.WithContext(ctx).Create(lead).Error; err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// FindRecent implements Store.
func (s *PostgresStore) FindRecent(ctx context.Context, contact, source string, since time.Time) (*model.Lead, error) {
	var l model.Lead
	err := s.db.WithContext(ctx).
		Where("contact = ? AND source = ? AND created_at >= ?", contact, source, since).
		Order("created_at DESC").
		First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query recent lead: %w", err)
	}
	return &l, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, tenantID string, limit int) ([]model.Lead, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var leads []model.Lead
	if err := q.Find(&leads).Error; err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	return leads, nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
