package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns exactly one Bot. Authentication lives elsewhere; this is the
// local identity record bots hang off.
type User struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	IsNPC    bool   `gorm:"column:is_npc;not null" json:"is_npc"` // house bots, never picked as a seed

	Timestamps
}

func NewUser(username string, isNPC bool) *User {
	return &User{
		ID:       uuid.NewString(),
		Username: username,
		IsNPC:    isNPC,
	}
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
