package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"halite-tournament/utils"
)

const ArchiveSuffix = ".tar.xz"

// MatchArchive is the decoded content of an uploaded result archive.
// Artifacts are already gzip-compressed and keyed for storage.
type MatchArchive struct {
	ID      string // idempotency key, canonical uuid form
	Date    time.Time
	Seed    int64
	Width   int
	Height  int
	RunID   int64
	Replay  Artifact
	Results []ArchiveResult // descriptor order
}

type ArchiveResult struct {
	BotName        string
	DockerImage    string
	Rank           int
	LastFrameAlive int
	ErrorLog       *Artifact
}

// Artifact is a compressed archive member ready for upload.
type Artifact struct {
	Key  string
	Data []byte
}

// BotNames returns the participating bot names in descriptor order.
func (a *MatchArchive) BotNames() []string {
	names := make([]string, len(a.Results))
	for i, r := range a.Results {
		names[i] = r.BotName
	}
	return names
}

// Artifacts lists the replay followed by every error log.
func (a *MatchArchive) Artifacts() []Artifact {
	out := []Artifact{a.Replay}
	for _, r := range a.Results {
		if r.ErrorLog != nil {
			out = append(out, *r.ErrorLog)
		}
	}
	return out
}

// matchDescriptor mirrors <basename>.json. Pointers tell a missing field
// apart from a zero value.
type matchDescriptor struct {
	ID            *string             `json:"id"`
	Date          *string             `json:"date"`
	Replay        *string             `json:"replay"`
	Seed          *uint64             `json:"seed"`
	Width         *int                `json:"width"`
	Height        *int                `json:"height"`
	WorkflowRunID *int64              `json:"workflow_run_id"`
	MatchResults  *[]resultDescriptor `json:"match_results"`
}

type resultDescriptor struct {
	BotName        *string `json:"bot_name"`
	DockerImage    *string `json:"docker_image"`
	Rank           *int    `json:"rank"`
	LastFrameAlive *int    `json:"last_frame_alive"`
	ErrorLog       *string `json:"error_log"`
}

// ParseMatchArchive decodes a .tar.xz result archive named name. Every
// failure is a *ValidationError naming the offending field.
func ParseMatchArchive(name string, r io.Reader, maxBytes int64) (*MatchArchive, error) {
	base := path.Base(name)
	if !strings.HasSuffix(base, ArchiveSuffix) || base == ArchiveSuffix {
		return nil, invalid("result", "File has a bad extension.")
	}
	basename := strings.TrimSuffix(base, ArchiveSuffix)

	members, err := utils.ReadTarXZ(r, maxBytes)
	if err != nil {
		return nil, invalid("result", "%v", err)
	}

	descriptorName := basename + ".json"
	raw, ok := members[descriptorName]
	if !ok {
		return nil, invalid("result", "archive has no %s descriptor", descriptorName)
	}

	var d matchDescriptor
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&d); err != nil {
		return nil, descriptorError(descriptorName, err)
	}

	m, err := d.toArchive()
	if err != nil {
		return nil, err
	}

	replay, ok := members[memberName(*d.Replay)]
	if !ok {
		return nil, invalid("replay", "replay file %q is not in the archive", *d.Replay)
	}
	if m.Replay, err = compressMember(m.ID, *d.Replay, replay); err != nil {
		return nil, err
	}

	for i, rd := range *d.MatchResults {
		if rd.ErrorLog == nil || *rd.ErrorLog == "" {
			continue
		}
		body, ok := members[memberName(*rd.ErrorLog)]
		if !ok {
			return nil, invalid(fmt.Sprintf("match_results[%d].error_log", i),
				"error log %q is not in the archive", *rd.ErrorLog)
		}
		a, err := compressMember(m.ID, *rd.ErrorLog, body)
		if err != nil {
			return nil, err
		}
		m.Results[i].ErrorLog = &a
	}

	return m, nil
}

func (d *matchDescriptor) toArchive() (*MatchArchive, error) {
	switch {
	case d.ID == nil:
		return nil, missing("id")
	case d.Date == nil:
		return nil, missing("date")
	case d.Replay == nil:
		return nil, missing("replay")
	case d.Seed == nil:
		return nil, missing("seed")
	case d.Width == nil:
		return nil, missing("width")
	case d.Height == nil:
		return nil, missing("height")
	case d.WorkflowRunID == nil:
		return nil, missing("workflow_run_id")
	case d.MatchResults == nil:
		return nil, missing("match_results")
	}

	id, err := uuid.Parse(*d.ID)
	if err != nil {
		return nil, invalid("id", "%q is not a uuid", *d.ID)
	}
	date, err := parseISODate(*d.Date)
	if err != nil {
		return nil, invalid("date", "%q is not an ISO-8601 date", *d.Date)
	}
	if *d.Seed > math.MaxInt64 {
		return nil, invalid("seed", "%d is out of range", *d.Seed)
	}
	if *d.Width <= 0 {
		return nil, invalid("width", "%d must be positive", *d.Width)
	}
	if *d.Height <= 0 {
		return nil, invalid("height", "%d must be positive", *d.Height)
	}
	if strings.TrimSpace(*d.Replay) == "" {
		return nil, invalid("replay", "must name a file")
	}

	m := &MatchArchive{
		ID:     id.String(),
		Date:   date,
		Seed:   int64(*d.Seed),
		Width:  *d.Width,
		Height: *d.Height,
		RunID:  *d.WorkflowRunID,
	}

	results := *d.MatchResults
	if len(results) < 2 {
		return nil, invalid("match_results", "a match needs at least 2 results, got %d", len(results))
	}

	seen := make(map[string]bool, len(results))
	for i, rd := range results {
		field := func(name string) string { return fmt.Sprintf("match_results[%d].%s", i, name) }
		switch {
		case rd.BotName == nil || *rd.BotName == "":
			return nil, missing(field("bot_name"))
		case rd.DockerImage == nil:
			return nil, missing(field("docker_image"))
		case rd.Rank == nil:
			return nil, missing(field("rank"))
		case rd.LastFrameAlive == nil:
			return nil, missing(field("last_frame_alive"))
		}
		if *rd.Rank < 1 {
			return nil, invalid(field("rank"), "rank must be 1 or more, got %d", *rd.Rank)
		}
		if seen[*rd.BotName] {
			return nil, invalid(field("bot_name"), "bot %q appears more than once", *rd.BotName)
		}
		seen[*rd.BotName] = true

		m.Results = append(m.Results, ArchiveResult{
			BotName:        *rd.BotName,
			DockerImage:    *rd.DockerImage,
			Rank:           *rd.Rank,
			LastFrameAlive: *rd.LastFrameAlive,
		})
	}

	return m, nil
}

func missing(field string) error {
	return invalid(field, "This field is required.")
}

func descriptorError(name string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return invalid(typeErr.Field, "expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	return invalid("result", "%s is not valid JSON: %v", name, err)
}

func compressMember(matchID, name string, body []byte) (Artifact, error) {
	gz, err := utils.GzipBest(body)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to compress %s: %w", name, err)
	}
	return Artifact{Key: ArtifactKey(matchID, name), Data: gz}, nil
}

// ArtifactKey is the storage key of a compressed member: <match-id>/<name>.gz.
func ArtifactKey(matchID, name string) string {
	return path.Join(matchID, memberName(name)) + ".gz"
}

func memberName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseISODate accepts the ISO-8601 shapes match runners emit. Dates without
// a zone are taken as UTC.
func parseISODate(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
