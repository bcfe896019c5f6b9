// Package gormstore implements storage.Store on a SQL database via GORM.
// Documents live in one table keyed by (collection, id) with the body as
// JSON text, so the same models serve SQLite and PostgreSQL. Filters are
// evaluated in Go after loading a collection's rows.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/hookd/internal/sandbox"
	"github.com/jkaninda/hookd/internal/storage"
)

// DocumentModel is one stored document.
type DocumentModel struct {
	Collection string    `gorm:"type:varchar(255);primaryKey"`
	ID         string    `gorm:"type:varchar(255);primaryKey"`
	Data       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (DocumentModel) TableName() string { return "documents" }

// Store implements storage.Store backed by GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string
}

var _ storage.Store = (*Store)(nil)

func newStore(db *gorm.DB, driver string, slogger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&DocumentModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}
	return &Store{db: db, logger: slogger, driver: driver}, nil
}

func gormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func (s *Store) Repository(name string) sandbox.Repository {
	return &repository{db: s.db, collection: name}
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return s.driver }

// GormDB returns the underlying GORM DB.
func (s *Store) GormDB() *gorm.DB { return s.db }

type repository struct {
	db         *gorm.DB
	collection string
}

func (r *repository) Find(ctx context.Context, filter map[string]any) ([]map[string]any, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return nil, err
	}
	// Lookups by id alone need not scan the collection.
	if id, ok := filter[storage.IDField].(string); ok && len(filter) == 1 {
		var m DocumentModel
		err := r.db.WithContext(ctx).
			Where("collection = ? AND id = ?", r.collection, id).
			Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []map[string]any{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("finding document: %w", err)
		}
		doc, err := decode(m)
		if err != nil {
			return nil, err
		}
		return []map[string]any{doc}, nil
	}

	docs, err := r.load(r.db.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for _, d := range docs {
		if storage.Matches(d.doc, filter) {
			out = append(out, d.doc)
		}
	}
	return out, nil
}

func (r *repository) Create(ctx context.Context, record map[string]any) (map[string]any, error) {
	doc, err := storage.NewDocument(record)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	m := DocumentModel{Collection: r.collection, ID: storage.DocumentID(doc), Data: string(data)}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return nil, fmt.Errorf("creating document: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, sandbox.NewScriptError(409, fmt.Sprintf("document %q already exists", m.ID))
	}
	return doc, nil
}

func (r *repository) Update(ctx context.Context, filter, changes map[string]any) (int64, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return 0, err
	}
	changes, err = storage.Normalize(changes)
	if err != nil {
		return 0, err
	}

	var n int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		docs, err := r.load(tx)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if !storage.Matches(d.doc, filter) {
				continue
			}
			data, err := json.Marshal(storage.Apply(d.doc, changes))
			if err != nil {
				return fmt.Errorf("encoding document: %w", err)
			}
			if err := tx.Model(&DocumentModel{}).
				Where("collection = ? AND id = ?", r.collection, d.id).
				Update("data", string(data)).Error; err != nil {
				return fmt.Errorf("updating document: %w", err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *repository) Delete(ctx context.Context, filter map[string]any) (int64, error) {
	filter, err := storage.Normalize(filter)
	if err != nil {
		return 0, err
	}

	var n int64
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		docs, err := r.load(tx)
		if err != nil {
			return err
		}
		var ids []string
		for _, d := range docs {
			if storage.Matches(d.doc, filter) {
				ids = append(ids, d.id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("collection = ? AND id IN ?", r.collection, ids).Delete(&DocumentModel{})
		if res.Error != nil {
			return fmt.Errorf("deleting documents: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type loaded struct {
	id  string
	doc map[string]any
}

func (r *repository) load(db *gorm.DB) ([]loaded, error) {
	var models []DocumentModel
	if err := db.Where("collection = ?", r.collection).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	out := make([]loaded, 0, len(models))
	for _, m := range models {
		doc, err := decode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, loaded{id: m.ID, doc: doc})
	}
	return out, nil
}

func decode(m DocumentModel) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(m.Data), &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s/%s: %w", m.Collection, m.ID, err)
	}
	return doc, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
