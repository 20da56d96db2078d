package services

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"halite-tournament/config"
)

// Candidate is an enabled bot with an image, as seen by matchmaking.
type Candidate struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	DockerImage string  `json:"docker_image"`
	Mu          float64 `json:"mu"`
	Sigma       float64 `json:"sigma"`
	IsNPC       bool    `json:"is_npc"`
	MatchCount  int     `json:"match_count"` // results on the current image
}

func (c Candidate) Player() MatchPlayer {
	return MatchPlayer{Name: c.Name, DockerImage: c.DockerImage}
}

// MatchmakingService picks seeds, opponents and map sizes. Storage reads
// and random choices are kept apart so the choices can be tested alone.
type MatchmakingService struct {
	DB     *gorm.DB
	Config config.Matchmaking

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMatchmakingService(db *gorm.DB, cfg config.Matchmaking) *MatchmakingService {
	return &MatchmakingService{
		DB:     db,
		Config: cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Candidates returns every enabled bot with an image, the ones that have
// gone longest without a match on their current image first (never played
// before any).
func (s *MatchmakingService) Candidates(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	err := s.DB.WithContext(ctx).
		Table("bots").
		Select("bots.id, bots.name, bots.docker_image, bots.mu, bots.sigma, users.is_npc, COUNT(match_results.id) AS match_count").
		Joins("JOIN users ON users.id = bots.user_id").
		Joins("LEFT JOIN match_results ON match_results.bot_id = bots.id AND match_results.docker_image = bots.docker_image").
		Joins("LEFT JOIN matches ON matches.id = match_results.match_id").
		Where("bots.enabled = ? AND bots.docker_image <> ?", true, "").
		Group("bots.id, bots.name, bots.docker_image, bots.mu, bots.sigma, users.is_npc").
		Order("MAX(matches.date) IS NOT NULL, MAX(matches.date), bots.name").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load match candidates: %w", err)
	}
	return out, nil
}

// PlanMatch picks the bots for one match. An empty seedName lets the seed
// strategies choose; players <= 0 draws the player count.
func (s *MatchmakingService) PlanMatch(ctx context.Context, seedName string, players int) ([]MatchPlayer, error) {
	pool, err := s.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var seed Candidate
	if seedName == "" {
		if seed, err = SelectSeed(pool, s.Config, s.rng); err != nil {
			return nil, err
		}
	} else {
		found := false
		for _, c := range pool {
			if c.Name == seedName {
				seed, found = c, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s is unknown, disabled or has no image", ErrBotNotFound, seedName)
		}
	}

	if players <= 0 {
		players = s.Config.SeedNumPlayers[s.rng.Intn(len(s.Config.SeedNumPlayers))]
	}
	if players < 2 {
		return nil, ErrTooFewPlayers
	}
	if players > 6 {
		return nil, ErrTooManyPlayers
	}

	picked := SelectOpponents(seed, pool, players, s.rng)
	out := make([]MatchPlayer, len(picked))
	for i, c := range picked {
		out[i] = c.Player()
	}
	return out, nil
}

// MapSize draws one board dimension.
func (s *MatchmakingService) MapSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Config.MapSizes[s.rng.Intn(len(s.Config.MapSizes))]
}

// SelectOpponents returns seed followed by up to count-1 opponents. The
// opponents are sampled uniformly from a randomly sized slice of the bots
// closest to the seed's mu.
func SelectOpponents(seed Candidate, pool []Candidate, count int, rng *rand.Rand) []Candidate {
	nearby := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if c.ID == seed.ID || c.DockerImage == "" {
			continue
		}
		nearby = append(nearby, c)
	}
	sort.SliceStable(nearby, func(i, j int) bool {
		return math.Abs(nearby[i].Mu-seed.Mu) < math.Abs(nearby[j].Mu-seed.Mu)
	})

	if limit := muRankLimit(rng); limit < len(nearby) {
		nearby = nearby[:limit]
	}
	rng.Shuffle(len(nearby), func(i, j int) { nearby[i], nearby[j] = nearby[j], nearby[i] })
	if count-1 < len(nearby) {
		nearby = nearby[:max(count-1, 0)]
	}

	return append([]Candidate{seed}, nearby...)
}

// muRankLimit is heavy tailed: usually 5 to 15, occasionally the whole ladder.
func muRankLimit(rng *rand.Rand) int {
	u := 0.00001 + rng.Float64()*(1-0.00001)
	return int(5.0 / math.Pow(u, 0.65))
}

type seedStrategy int

const (
	seedUncertain seedStrategy = iota
	seedFewGames
	seedStale
)

// SelectSeed chooses the bot a match is built around. pool must be in
// Candidates order; NPCs never seed.
func SelectSeed(pool []Candidate, cfg config.Matchmaking, rng *rand.Rand) (Candidate, error) {
	eligible := make([]Candidate, 0, len(pool))
	for _, c := range pool {
		if !c.IsNPC && c.DockerImage != "" {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return Candidate{}, ErrNoSeedCandidates
	}

	switch pickStrategy(cfg, rng) {
	case seedUncertain:
		best, bestScore := 0, -1.0
		for i, c := range eligible {
			if score := rng.Float64() * math.Exp(c.Sigma); score > bestScore {
				best, bestScore = i, score
			}
		}
		return eligible[best], nil

	case seedFewGames:
		var few []Candidate
		for _, c := range eligible {
			if c.MatchCount < cfg.FewGamesMaxMatches {
				few = append(few, c)
				if len(few) == cfg.FewGamesPool {
					break
				}
			}
		}
		if len(few) > 0 {
			return few[rng.Intn(len(few))], nil
		}
	}

	return eligible[0], nil
}

func pickStrategy(cfg config.Matchmaking, rng *rand.Rand) seedStrategy {
	total := cfg.SeedUncertainWeight + cfg.SeedFewGamesWeight + cfg.SeedStaleWeight
	if total <= 0 {
		return seedStale
	}
	x := rng.Intn(total)
	switch {
	case x < cfg.SeedUncertainWeight:
		return seedUncertain
	case x < cfg.SeedUncertainWeight+cfg.SeedFewGamesWeight:
		return seedFewGames
	default:
		return seedStale
	}
}
