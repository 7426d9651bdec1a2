// Package pricing holds the static per-model token price table and derives
// call cost in integer micro-USD, avoiding float drift in billing math.
package pricing

import (
	"log/slog"
	"sort"
)

// Price is the cost of one million tokens, in micro-USD, split by direction.
type Price struct {
	InputPerMillion  int64
	OutputPerMillion int64
}

// Table maps model identifiers to prices. Read-only after construction.
type Table struct {
	prices map[string]Price
	log    *slog.Logger
}

// Defaults returns the built-in price rows. Values are micro-USD per million
// tokens (so 300_000 == $0.30 / 1M tokens).
func Defaults() map[string]Price {
	return map[string]Price{
		"gemini-2.5-flash":   {InputPerMillion: 300_000, OutputPerMillion: 2_500_000},
		"gemini-2.0-flash":   {InputPerMillion: 100_000, OutputPerMillion: 400_000},
		"gemini-1.5-pro":     {InputPerMillion: 1_250_000, OutputPerMillion: 5_000_000},
		"gemini-2.5-pro":     {InputPerMillion: 1_250_000, OutputPerMillion: 10_000_000},
		"gpt-4o-mini":        {InputPerMillion: 150_000, OutputPerMillion: 600_000},
		"gpt-4o":             {InputPerMillion: 2_500_000, OutputPerMillion: 10_000_000},
		"gpt-4.1-mini":       {InputPerMillion: 400_000, OutputPerMillion: 1_600_000},
		"claude-3-5-haiku":   {InputPerMillion: 800_000, OutputPerMillion: 4_000_000},
		"claude-sonnet-4":    {InputPerMillion: 3_000_000, OutputPerMillion: 15_000_000},
		"claude-haiku-4-5":   {InputPerMillion: 1_000_000, OutputPerMillion: 5_000_000},
	}
}

// NewTable builds a table from the defaults merged with overrides.
// Overrides win per model; a nil logger falls back to slog.Default.
func NewTable(overrides map[string]Price, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}

	prices := Defaults()
	for model, p := range overrides {
		prices[model] = p
	}

	return &Table{prices: prices, log: log}
}

// Has reports whether the table carries a price row for model.
func (t *Table) Has(model string) bool {
	_, ok := t.prices[model]
	return ok
}

// Models returns the priced model identifiers, sorted.
func (t *Table) Models() []string {
	out := make([]string, 0, len(t.prices))
	for m := range t.prices {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Cost returns the integer micro-USD cost of a call: per-direction token
// count times the per-million price, rounded up per direction so billing
// never undercharges. Unknown models cost zero and log a warning — the
// usage record still carries the token counts for later repricing.
func (t *Table) Cost(model string, inputTokens, outputTokens int) int64 {
	p, ok := t.prices[model]
	if !ok {
		t.log.Warn("no price row for model, cost recorded as zero",
			slog.String("model", model))
		return 0
	}
	return ceilDiv(int64(inputTokens)*p.InputPerMillion, 1_000_000) +
		ceilDiv(int64(outputTokens)*p.OutputPerMillion, 1_000_000)
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
