package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"medcouncil/internal/consult"
)

// ErrNotFound is returned when a session ID does not exist.
var ErrNotFound = errors.New("session: not found")

// Record is one persisted consultation snapshot. Data holds the full
// consult.Snapshot as JSON so schema changes in the engine never require a
// migration here.
type Record struct {
	ID        string         `gorm:"primaryKey" json:"id"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Data      datatypes.JSON `json:"-"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Summary is the listing view of a record, without the snapshot payload.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists consultation snapshots in SQLite.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the session database at path and runs the
// schema migration.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("session: opening %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("session: migrating: %w", err)
	}
	return &Store{db: db}, nil
}

// Save stores a snapshot under id, creating the record when id is empty.
// It returns the record ID.
func (s *Store) Save(id, name string, snap consult.Snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("session: encoding snapshot: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = defaultName(snap)
	}
	rec := Record{
		ID:     id,
		Name:   name,
		Status: string(snap.Workflow.Phase),
		Data:   data,
	}
	if err := s.db.Save(&rec).Error; err != nil {
		return "", fmt.Errorf("session: saving %s: %w", id, err)
	}
	return id, nil
}

// Load returns the snapshot stored under id.
func (s *Store) Load(id string) (consult.Snapshot, error) {
	var rec Record
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return consult.Snapshot{}, ErrNotFound
		}
		return consult.Snapshot{}, fmt.Errorf("session: loading %s: %w", id, err)
	}
	var snap consult.Snapshot
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return consult.Snapshot{}, fmt.Errorf("session: decoding %s: %w", id, err)
	}
	return snap, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]Summary, error) {
	var recs []Record
	if err := s.db.Select("id", "name", "status", "created_at", "updated_at").
		Order("updated_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("session: listing: %w", err)
	}
	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, Summary{ID: r.ID, Name: r.Name, Status: r.Status, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// Rename changes a session's display name.
func (s *Store) Rename(id, name string) error {
	res := s.db.Model(&Record{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("session: renaming %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	res := s.db.Delete(&Record{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("session: deleting %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExportJSON returns the raw snapshot JSON for a session.
func (s *Store) ExportJSON(id string) ([]byte, error) {
	var rec Record
	if err := s.db.First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: loading %s: %w", id, err)
	}
	return []byte(rec.Data), nil
}

func defaultName(snap consult.Snapshot) string {
	if snap.PatientCase.Name != "" {
		return fmt.Sprintf("%s - %s", snap.PatientCase.Name, time.Now().Format("2006-01-02 15:04"))
	}
	return "会诊 " + time.Now().Format("2006-01-02 15:04")
}
