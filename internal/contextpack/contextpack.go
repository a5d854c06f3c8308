// Package contextpack builds the compact sheet summary sent to the agent
// before each turn: detected tables plus the recent-action tail. The
// payload is a deliberately lossy summary bounded by a token budget, never
// a dump of cell contents.
package contextpack

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"gridpilot/engine/internal/regions"
	"gridpilot/engine/internal/track"
)

const (
	// DefaultTokenBudget bounds the serialized payload. Roughly the share
	// of a prompt we are willing to spend on sheet structure.
	DefaultTokenBudget = 1500
	// MaxRecentActions caps the action tail regardless of budget.
	MaxRecentActions = 10

	encodingName = "cl100k_base"
)

// TableSummary is the agent-facing shape of one detected region.
type TableSummary struct {
	Range          string   `json:"range"`
	Headers        []string `json:"headers"`
	RecordCount    int      `json:"record_count"`
	NumericColumns []string `json:"numeric_columns,omitempty"`
}

// Payload is the context block serialized into the next agent request.
type Payload struct {
	Tables        []TableSummary `json:"tables"`
	RecentActions []track.Action `json:"recent_actions"`
}

// Builder assembles payloads under a token budget. Token counts come from
// tiktoken when the encoding loads; otherwise a bytes/4 estimate, so an
// offline build degrades instead of failing.
type Builder struct {
	budget int

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

func NewBuilder(budget int) *Builder {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Builder{budget: budget}
}

// Build packs regions and actions into a payload within the budget. Tables
// are added in detection order until one would overflow; the first table is
// always kept so the agent never sees an empty sheet model when a table
// exists.
func (b *Builder) Build(detected []regions.Region, actions []track.Action) Payload {
	if len(actions) > MaxRecentActions {
		actions = actions[len(actions)-MaxRecentActions:]
	}
	payload := Payload{
		Tables:        []TableSummary{},
		RecentActions: actions,
	}
	for i, region := range detected {
		candidate := payload
		candidate.Tables = append(append([]TableSummary{}, payload.Tables...), summarize(region))
		if i > 0 && b.Tokens(encode(candidate)) > b.budget {
			break
		}
		payload = candidate
	}
	return payload
}

// Tokens counts tokens in a string under the payload encoding.
func (b *Builder) Tokens(s string) int {
	b.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			b.enc = enc
		}
	})
	if b.enc != nil {
		return len(b.enc.Encode(s, nil, nil))
	}
	return len(s) / 4
}

func summarize(region regions.Region) TableSummary {
	return TableSummary{
		Range:          region.RangeRef(),
		Headers:        region.Headers,
		RecordCount:    region.RecordCount,
		NumericColumns: region.NumericColumns(),
	}
}

func encode(payload Payload) string {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(serialized)
}
