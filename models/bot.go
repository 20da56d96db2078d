// models/bot.go
package models

import (
	"errors"
	"fmt"

	"github.com/distribution/reference"
	"github.com/google/uuid"
)

// Rating defaults for a brand new (or freshly rebuilt) bot.
const (
	DefaultMu    = 25.0
	DefaultSigma = DefaultMu / 3
)

var ErrInvalidDockerImage = errors.New("invalid docker image")

// Bot is a user's competitor. One per user, never deleted (disable it instead).
type Bot struct {
	ID          string  `gorm:"primaryKey;type:uuid" json:"id"`
	UserID      string  `gorm:"uniqueIndex;not null;type:uuid" json:"user_id"`
	Name        string  `gorm:"uniqueIndex;not null" json:"name"` // mirrors User.Username
	Mu          float64 `gorm:"not null" json:"mu"`
	Sigma       float64 `gorm:"not null" json:"sigma"`
	Enabled     bool    `gorm:"not null" json:"enabled"`
	DockerImage string  `gorm:"type:varchar(2000);not null" json:"docker_image"`

	User *User `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	Timestamps
}

// NewBot returns the bot paired with a freshly created user.
func NewBot(user *User) *Bot {
	return &Bot{
		ID:      uuid.NewString(),
		UserID:  user.ID,
		Name:    user.Username,
		Mu:      DefaultMu,
		Sigma:   DefaultSigma,
		Enabled: true,
	}
}

// Score is the conservative skill estimate used for the leaderboard.
func (b *Bot) Score() float64 {
	return b.Mu - 3*b.Sigma
}

// SetDockerImage swaps the image reference. A new build is untested, so
// sigma goes back to the default whenever the reference actually changes.
func (b *Bot) SetDockerImage(ref string) bool {
	if ref == b.DockerImage {
		return false
	}
	b.DockerImage = ref
	b.Sigma = DefaultSigma
	return true
}

// ApplyRating stores the outcome of a rating update.
func (b *Bot) ApplyRating(mu, sigma float64) {
	b.Mu = mu
	b.Sigma = sigma
}

// NormalizeDockerImage parses ref as a normalized named reference
// (e.g. "user/bot:v2" -> "docker.io/user/bot:v2"). A tag or a digest is required.
func NormalizeDockerImage(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDockerImage, err)
	}

	_, tagged := named.(reference.Tagged)
	_, digested := named.(reference.Digested)
	if !tagged && !digested {
		return "", fmt.Errorf("%w: a digest or tag must be provided", ErrInvalidDockerImage)
	}

	return named.String(), nil
}
