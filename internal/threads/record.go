package threads

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/threadgate/internal/langgraph"
)

// Record is one known conversation thread.
type Record struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

// State is a point-in-time copy of the manager's view.
type State struct {
	Threads         []Record
	CurrentThreadID string
	Loading         bool
}

// ErrInvalidID is returned for thread ids that fail ValidateID.
var ErrInvalidID = errors.New("invalid thread id")

var validate = validator.New()

// ValidateID rejects empty or too-short ids before any network call.
func ValidateID(id string) error {
	if err := validate.Var(id, "required,min=3"); err != nil {
		return fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return nil
}

// FormatTitle derives the display title of a thread from its id.
func FormatTitle(id string) string {
	return "Thread(" + id + ")"
}

// RelativeTime renders t relative to now for thread lists:
// "just now", "5m ago", "3h ago", "2d ago".
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// fromRemote converts a remote listing into records, newest activity first.
// Missing timestamps default to now; metadata.title overrides the derived title.
func fromRemote(list []langgraph.Thread, now time.Time) []Record {
	records := make([]Record, 0, len(list))
	for _, t := range list {
		r := Record{
			ID:         t.ThreadID,
			Title:      t.Title(),
			CreatedAt:  t.CreatedAt,
			LastActive: t.UpdatedAt,
		}
		if r.Title == "" {
			r.Title = FormatTitle(r.ID)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.LastActive.IsZero() {
			r.LastActive = now
		}
		records = append(records, r)
	}
	records = dedupe(records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].LastActive.After(records[j].LastActive)
	})
	return records
}

// dedupe drops records with empty ids and keeps the first record per id.
func dedupe(records []Record) []Record {
	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, r := range records {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func indexOf(records []Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}
