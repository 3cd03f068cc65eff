package health

import (
	"fmt"
	"strings"
	"time"

	"hapanel/internal/haws"
)

const RefreshRate = 30 * time.Second

const (
	warnAfter  = 10 * time.Minute
	staleAfter = time.Hour
)

type Kind int

const (
	Missing Kind = iota
	Active
	Warn
	Stale
)

func (k Kind) String() string {
	switch k {
	case Active:
		return "active"
	case Warn:
		return "warn"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

type Row struct {
	EntityID string
	Kind     Kind
	Reason   string
}

// Compute classifies each watched entity by how long ago its state was last
// updated. lookup returns the latest known state.
func Compute(entities []string, lookup func(string) (haws.EntityState, bool), now time.Time) []Row {
	rows := make([]Row, 0, len(entities))
	for _, entityID := range entities {
		entityID = strings.TrimSpace(entityID)
		row := Row{
			EntityID: entityID,
			Kind:     Missing,
			Reason:   "No state received.",
		}
		state, ok := lookup(entityID)
		if !ok {
			rows = append(rows, row)
			continue
		}
		last, err := time.Parse(time.RFC3339Nano, state.LastUpdated)
		if err != nil {
			row.Reason = "State has no usable last_updated."
			rows = append(rows, row)
			continue
		}
		age := now.Sub(last)
		switch {
		case age <= warnAfter:
			row.Kind = Active
			row.Reason = fmt.Sprintf("%s updated %s ago.", state.State, age.Round(time.Second))
		case age <= staleAfter:
			row.Kind = Warn
			row.Reason = fmt.Sprintf("%s has no updates for %s.", state.State, age.Round(time.Second))
		default:
			row.Kind = Stale
			row.Reason = fmt.Sprintf("%s has no updates for %s.", state.State, age.Round(time.Second))
		}
		rows = append(rows, row)
	}
	return rows
}
