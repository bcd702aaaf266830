package cli

import (
	"fmt"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

// withEngine opens the database, wires up an engine, executes the function
// and handles cleanup.
func withEngine(fn func(*engine.Engine, *store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(engine.New(s), s)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
