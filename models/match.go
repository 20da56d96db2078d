package models

import (
	"time"

	"github.com/google/uuid"
)

// Match is one externally run contest. The row is created either when a
// dispatch is accepted (only RunID known) or when its result archive is
// ingested (details filled in); both paths meet on UUID.
type Match struct {
	ID    string `gorm:"primaryKey;type:uuid" json:"id"`
	UUID  string `gorm:"column:uuid;uniqueIndex;not null;type:uuid" json:"uuid"` // idempotency key
	RunID int64  `gorm:"not null" json:"run_id"`

	// Filled in by ingestion
	Date   *time.Time `json:"date,omitempty"`
	Seed   *int64     `json:"seed,omitempty"`
	Width  *int       `json:"width,omitempty"`
	Height *int       `json:"height,omitempty"`
	Replay *string    `json:"replay,omitempty"` // artifact key

	Results []MatchResult `gorm:"foreignKey:MatchID;constraint:OnDelete:CASCADE" json:"results,omitempty"`

	Timestamps
}

func NewMatch(key string, runID int64) *Match {
	return &Match{
		ID:    uuid.NewString(),
		UUID:  key,
		RunID: runID,
	}
}

// Ingested reports whether the result archive has been recorded.
func (m *Match) Ingested() bool {
	return m.Date != nil && m.Replay != nil
}

// MatchResult is one bot's outcome in one match. Immutable once written;
// (bot, match) is unique.
type MatchResult struct {
	ID      string `gorm:"primaryKey;type:uuid" json:"id"`
	BotID   string `gorm:"type:uuid;not null;uniqueIndex:unique_bot_match,priority:1" json:"bot_id"`
	MatchID string `gorm:"type:uuid;not null;uniqueIndex:unique_bot_match,priority:2;index" json:"match_id"`

	DockerImage    string  `gorm:"type:varchar(2000);not null" json:"docker_image"`
	Rank           int     `gorm:"not null" json:"rank"` // 1 = best
	Mu             float64 `gorm:"not null" json:"mu"`    // rating after this match
	Sigma          float64 `gorm:"not null" json:"sigma"`
	LastFrameAlive int     `gorm:"not null" json:"last_frame_alive"`
	ErrorLog       *string `json:"error_log,omitempty"` // artifact key

	Bot *Bot `gorm:"constraint:OnDelete:CASCADE" json:"bot,omitempty"`

	Timestamps
}

func (r *MatchResult) Score() float64 {
	return r.Mu - 3*r.Sigma
}
