package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// ServiceTemplate is a catalog row.
type ServiceTemplate struct {
	ID           string                      `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name         string                      `gorm:"type:varchar(128);not null;uniqueIndex:idx_service_template_lookup" json:"name"`
	Version      string                      `gorm:"type:varchar(64);not null;uniqueIndex:idx_service_template_lookup" json:"version"`
	Csp          string                      `gorm:"type:varchar(32);not null;uniqueIndex:idx_service_template_lookup" json:"csp"`
	HostingType  string                      `gorm:"type:varchar(32);not null;uniqueIndex:idx_service_template_lookup" json:"hosting_type"`
	Category     string                      `gorm:"type:varchar(64);index" json:"category"`
	Available    bool                        `gorm:"not null" json:"available"`
	BillingModes datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"billing_modes"`
	Eula         string                      `gorm:"type:text" json:"eula"`
	Metadata     datatypes.JSON              `gorm:"type:jsonb" json:"metadata"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
	DeletedAt    gorm.DeletedAt              `gorm:"index" json:"-"`
}

// TableName implements gorm's tabler.
func (ServiceTemplate) TableName() string {
	return "service_templates"
}

func (t *ServiceTemplate) toMetadata() *engine.TemplateMetadata {
	return &engine.TemplateMetadata{
		ID:           t.ID,
		Name:         t.Name,
		Version:      t.Version,
		Csp:          engine.Csp(t.Csp),
		Category:     t.Category,
		HostingType:  t.HostingType,
		Available:    t.Available,
		BillingModes: append([]string(nil), t.BillingModes...),
		Eula:         t.Eula,
	}
}

// GormConfig configures the Postgres catalog connection.
type GormConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`

	// LogLevel is one of silent, error, warn or info.
	LogLevel string `yaml:"logLevel" validate:"omitempty,oneof=silent error warn info"`

	// AutoMigrate creates or updates the catalog table on open.
	AutoMigrate bool `yaml:"autoMigrate"`
}

// GormRegistry is a Template Registry over a Postgres catalog.
type GormRegistry struct {
	db *gorm.DB
}

// OpenGorm connects to Postgres and returns a registry.
func OpenGorm(cfg GormConfig) (*GormRegistry, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to template catalog: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog connection pool: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	r := NewGormRegistry(db)
	if cfg.AutoMigrate {
		if err := r.AutoMigrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return r, nil
}

// NewGormRegistry wraps an open gorm handle.
func NewGormRegistry(db *gorm.DB) *GormRegistry {
	return &GormRegistry{db: db}
}

// AutoMigrate creates or updates the catalog table.
func (r *GormRegistry) AutoMigrate() error {
	if err := r.db.AutoMigrate(&ServiceTemplate{}); err != nil {
		return fmt.Errorf("failed to migrate template catalog: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *GormRegistry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Register inserts a template or replaces the one with the same name,
// version, CSP and hosting type.
func (r *GormRegistry) Register(ctx context.Context, e CatalogEntry, metadata map[string]any) (*engine.TemplateMetadata, error) {
	row := &ServiceTemplate{
		ID:           e.ID,
		Name:         e.Name,
		Version:      e.Version,
		Csp:          string(e.Csp),
		HostingType:  e.HostingType,
		Category:     e.Category,
		Available:    !e.Unavailable,
		BillingModes: datatypes.JSONSlice[string](e.BillingModes),
		Eula:         e.Eula,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode template metadata: %w", err)
		}
		row.Metadata = datatypes.JSON(raw)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}, {Name: "version"}, {Name: "csp"}, {Name: "hosting_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"category", "available", "billing_modes", "eula", "metadata", "updated_at", "deleted_at",
		}),
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to register template %s@%s: %w", e.Name, e.Version, err)
	}

	return r.Validate(ctx, e.Name, e.Version, e.Csp, e.HostingType)
}

// SetAvailable publishes or withdraws a template.
func (r *GormRegistry) SetAvailable(ctx context.Context, id string, available bool) error {
	res := r.db.WithContext(ctx).Model(&ServiceTemplate{}).Where("id = ?", id).Update("available", available)
	if res.Error != nil {
		return fmt.Errorf("failed to update template %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return engine.NewNotFoundError("template", id)
	}
	return nil
}

// Remove soft deletes a template.
func (r *GormRegistry) Remove(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&ServiceTemplate{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return engine.NewNotFoundError("template", id)
	}
	return nil
}

// Validate implements engine.TemplateRegistry. An exact hosting type match
// wins over a template that declares none.
func (r *GormRegistry) Validate(ctx context.Context, name, version string, csp engine.Csp, hostingType string) (*engine.TemplateMetadata, error) {
	q := r.db.WithContext(ctx).
		Where("name = ? AND version = ? AND csp = ?", name, version, string(csp))
	if hostingType != "" {
		q = q.Where("hosting_type = ? OR hosting_type = ''", hostingType)
	}

	var row ServiceTemplate
	if err := q.Order("hosting_type DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, engine.NewNotFoundError("template", name+"@"+version)
		}
		return nil, fmt.Errorf("failed to query template catalog: %w", err)
	}
	return row.toMetadata(), nil
}

func logLevel(level string) logger.LogLevel {
	switch level {
	case "info":
		return logger.Info
	case "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}
