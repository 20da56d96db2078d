package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Matchmaking holds the tunables of match dispatch. Weighted lists repeat a
// value to make it more likely.
type Matchmaking struct {
	MapSizes       []int `yaml:"map_sizes"`
	SeedNumPlayers []int `yaml:"seed_num_players"`

	// Relative weights of the three seed strategies.
	SeedUncertainWeight int `yaml:"seed_uncertain_weight"`
	SeedFewGamesWeight  int `yaml:"seed_few_games_weight"`
	SeedStaleWeight     int `yaml:"seed_stale_weight"`

	FewGamesMaxMatches int `yaml:"few_games_max_matches"`
	FewGamesPool       int `yaml:"few_games_pool"`
}

func DefaultMatchmaking() Matchmaking {
	return Matchmaking{
		MapSizes:            []int{20, 25, 25, 30, 30, 30, 35, 35, 35, 35, 40, 40, 40, 45, 45, 50},
		SeedNumPlayers:      []int{2, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 5, 5, 6},
		SeedUncertainWeight: 2,
		SeedFewGamesWeight:  1,
		SeedStaleWeight:     1,
		FewGamesMaxMatches:  400,
		FewGamesPool:        15,
	}
}

// LoadMatchmaking reads overrides from a YAML file on top of the defaults.
// An empty path means defaults only.
func LoadMatchmaking(path string) (Matchmaking, error) {
	mm := DefaultMatchmaking()
	if path == "" {
		return mm, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return mm, fmt.Errorf("failed to read matchmaking file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &mm); err != nil {
		return mm, fmt.Errorf("failed to parse matchmaking file %s: %w", path, err)
	}
	return mm, mm.Validate()
}

func (m Matchmaking) Validate() error {
	if len(m.MapSizes) == 0 {
		return errors.New("matchmaking: map_sizes must not be empty")
	}
	for _, s := range m.MapSizes {
		if s <= 0 {
			return fmt.Errorf("matchmaking: invalid map size %d", s)
		}
	}
	if len(m.SeedNumPlayers) == 0 {
		return errors.New("matchmaking: seed_num_players must not be empty")
	}
	for _, n := range m.SeedNumPlayers {
		if n < 2 || n > 6 {
			return fmt.Errorf("matchmaking: player count %d outside [2, 6]", n)
		}
	}
	if m.SeedUncertainWeight < 0 || m.SeedFewGamesWeight < 0 || m.SeedStaleWeight < 0 ||
		m.SeedUncertainWeight+m.SeedFewGamesWeight+m.SeedStaleWeight == 0 {
		return errors.New("matchmaking: seed strategy weights must be non-negative and not all zero")
	}
	if m.FewGamesMaxMatches < 1 {
		return fmt.Errorf("matchmaking: few_games_max_matches must be at least 1, got %d", m.FewGamesMaxMatches)
	}
	if m.FewGamesPool < 1 {
		return fmt.Errorf("matchmaking: few_games_pool must be at least 1, got %d", m.FewGamesPool)
	}
	return nil
}
