package users

import (
	"strings"
	"time"
)

// Identity maps a TAuth login (provider + subject) to the canonical Orbit user id and carries the
// profile fields the chat directory displays.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Identity) TableName() string {
	return "user_identities"
}

// Label is the name shown for the identity in the directory: the display name, else the email.
func (i Identity) Label() string {
	if name := normalize(i.DisplayName); name != "" {
		return name
	}
	return normalize(i.Email)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
