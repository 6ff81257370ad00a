package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a map-valued structured field stored as a JSON column. It must
// only be mutated through fields.Updater; a cached copy written back outside a
// critical section will clobber concurrent writers.
type JSONMap map[string]any

// GormDataType tells the migrator to create a JSON column.
func (JSONMap) GormDataType() string { return "json" }

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("ward: cannot scan %T into JSONMap", src)
	}
}

// JSONList is an array-valued structured field stored as a JSON column.
type JSONList []any

// GormDataType tells the migrator to create a JSON column.
func (JSONList) GormDataType() string { return "json" }

// Value implements driver.Valuer.
func (l JSONList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *JSONList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("ward: cannot scan %T into JSONList", src)
	}
}

// Resource is any row subject to concurrent mutation through the engine.
type Resource interface {
	ResourceID() uint64
	ResourceType() string
	CurrentStatus() string
	CurrentVersion() uint64
}

// Job is a scheduled task. Its Meta map and History list are structured
// fields; Checkpoints are coupled child rows.
type Job struct {
	ID          uint64 `gorm:"primaryKey"`
	Status      string `gorm:"index;not null"`
	Version     uint64 `gorm:"not null;default:0"`
	Meta        JSONMap
	History     JSONList
	ScheduledAt *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResourceID implements Resource.
func (j *Job) ResourceID() uint64 { return j.ID }

// ResourceType implements Resource.
func (j *Job) ResourceType() string { return "job" }

// CurrentStatus implements Resource.
func (j *Job) CurrentStatus() string { return j.Status }

// CurrentVersion implements Resource.
func (j *Job) CurrentVersion() uint64 { return j.Version }

// Checkpoint is a child row of a Job. Checkpoint writes are serialized through
// the parent job's lock.
type Checkpoint struct {
	ID        uint64 `gorm:"primaryKey"`
	JobID     uint64 `gorm:"index;not null"`
	Name      string `gorm:"not null"`
	Status    string `gorm:"index;not null"`
	Version   uint64 `gorm:"not null;default:0"`
	Meta      JSONMap
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResourceID implements Resource.
func (c *Checkpoint) ResourceID() uint64 { return c.ID }

// ResourceType implements Resource.
func (c *Checkpoint) ResourceType() string { return "checkpoint" }

// CurrentStatus implements Resource.
func (c *Checkpoint) CurrentStatus() string { return c.Status }

// CurrentVersion implements Resource.
func (c *Checkpoint) CurrentVersion() uint64 { return c.Version }

// Ticket is a support ticket with an escalation level.
type Ticket struct {
	ID        uint64 `gorm:"primaryKey"`
	Status    string `gorm:"index;not null"`
	Level     int    `gorm:"not null;default:0"`
	Assignee  string
	Version   uint64 `gorm:"not null;default:0"`
	Meta      JSONMap
	History   JSONList
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResourceID implements Resource.
func (t *Ticket) ResourceID() uint64 { return t.ID }

// ResourceType implements Resource.
func (t *Ticket) ResourceType() string { return "ticket" }

// CurrentStatus implements Resource.
func (t *Ticket) CurrentStatus() string { return t.Status }

// CurrentVersion implements Resource.
func (t *Ticket) CurrentVersion() uint64 { return t.Version }
