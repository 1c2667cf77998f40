package database

import "time"

// Profile is one configured remote-desktop target.
type Profile struct {
	ID          string `gorm:"primaryKey;size:64" json:"id"`
	Name        string `gorm:"not null" json:"name"`
	Host        string `gorm:"not null" json:"host"`
	Port        int    `gorm:"not null;default:5900" json:"port"`
	SSHHost     string `json:"ssh_host"` // empty means connect directly
	SSHPort     int    `gorm:"default:22" json:"ssh_port"`
	Username    string `json:"username"`
	PasswordEnc string `json:"-"` // Fernet-encrypted
	OTPRequired bool   `gorm:"not null;default:false" json:"otp_required"`
	SortOrder   int    `gorm:"not null;default:0" json:"sort_order"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LaunchGroup is a named, ordered set of profiles launched together.
type LaunchGroup struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	RequiresOTP bool   `gorm:"not null;default:false" json:"requires_otp"`
	SortOrder   int    `gorm:"not null;default:0" json:"sort_order"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Members []GroupMember `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE" json:"members"`
}

// GroupMember links one profile into a launch group at a position.
type GroupMember struct {
	GroupID   uint   `gorm:"primaryKey" json:"group_id"`
	ProfileID string `gorm:"primaryKey;size:64" json:"profile_id"`
	Position  int    `gorm:"not null;default:0" json:"position"`
}

// Setting is a key-value configuration row.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
