package database

import "time"

// Folder is a node in the saved-endpoint tree. Path is the slash-separated
// location from the root ("prod/db"); Parent is the path of the enclosing
// folder ("" for top-level folders).
type Folder struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Path      string    `gorm:"uniqueIndex;not null" json:"path"`
	Name      string    `gorm:"not null" json:"name"`
	Parent    string    `gorm:"index;not null;default:''" json:"parent"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

const (
	AuthMethodPassword = "password"
	AuthMethodKey      = "key"
)

type Endpoint struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string    `gorm:"not null;uniqueIndex:idx_folder_name" json:"name"`
	FolderPath    string    `gorm:"not null;default:'';uniqueIndex:idx_folder_name" json:"folder_path"`
	Host          string    `gorm:"not null" json:"host"`
	Port          int       `gorm:"not null;default:22" json:"port"`
	Username      string    `gorm:"not null" json:"username"`
	AuthMethod    string    `gorm:"not null;default:password" json:"auth_method"`
	Password      string    `json:"-"` // Fernet-encrypted
	KeyPath       string    `json:"key_path"`
	KeyPassphrase string    `json:"-"` // Fernet-encrypted
	SortOrder     int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SessionAuditLog is one lifecycle record for a terminal session.
type SessionAuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"index;not null" json:"session_id"`
	SurfaceID string    `gorm:"index" json:"surface_id"`
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	EventType string    `gorm:"index;not null" json:"event_type"`
	Code      string    `json:"code,omitempty"`
	Details   string    `json:"details,omitempty"`
	Duration  int64     `json:"duration_ms,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// allModels lists every table managed by AutoMigrate.
var allModels = []interface{}{&Folder{}, &Endpoint{}, &Setting{}, &SessionAuditLog{}}
