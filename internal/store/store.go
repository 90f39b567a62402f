// Package store provides crash-safe persistence for trades and portfolio
// snapshots using JSON files.
//
// Each record is a separate file under the store directory: trades go to
// trades/<trade_id>.json and portfolio snapshots to
// portfolio/<strategy_id>_<ts_ms>.json. Writes use atomic file replacement
// (write to .tmp, then rename) to prevent corruption from partial writes or
// crashes mid-save. Saves are idempotent: rewriting the same key overwrites
// the previous file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"quantpilot/pkg/types"
)

// Store persists trades and portfolio snapshots to JSON files.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{"trades", "portfolio"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveTrade atomically persists one executed trade, keyed by trade ID.
func (s *Store) SaveTrade(trade types.TradeHistoryEntry) error {
	if trade.TradeID == "" {
		return fmt.Errorf("save trade: empty trade_id")
	}
	path := filepath.Join(s.dir, "trades", sanitize(trade.TradeID)+".json")
	return s.writeJSON(path, trade)
}

// SavePortfolioSnapshot atomically persists one portfolio view, keyed by
// (strategy_id, ts_ms).
func (s *Store) SavePortfolioSnapshot(view types.PortfolioView) error {
	if view.StrategyID == "" {
		return fmt.Errorf("save portfolio: empty strategy_id")
	}
	name := fmt.Sprintf("%s_%d.json", sanitize(view.StrategyID), view.TS)
	path := filepath.Join(s.dir, "portfolio", name)
	return s.writeJSON(path, view)
}

// LoadTrades restores all persisted trades, ordered by trade timestamp.
func (s *Store) LoadTrades() ([]types.TradeHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, "trades"))
	if err != nil {
		return nil, fmt.Errorf("read trades dir: %w", err)
	}
	var out []types.TradeHistoryEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, "trades", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read trade: %w", err)
		}
		var trade types.TradeHistoryEntry
		if err := json.Unmarshal(data, &trade); err != nil {
			return nil, fmt.Errorf("unmarshal trade %s: %w", e.Name(), err)
		}
		out = append(out, trade)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeTS < out[j].TradeTS })
	return out, nil
}

// LoadLatestPortfolio restores the most recent snapshot for a strategy.
// Returns nil, nil if none exists.
func (s *Store) LoadLatestPortfolio(strategyID string) (*types.PortfolioView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := sanitize(strategyID) + "_"
	entries, err := os.ReadDir(filepath.Join(s.dir, "portfolio"))
	if err != nil {
		return nil, fmt.Errorf("read portfolio dir: %w", err)
	}
	var latest string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		if name > latest {
			latest = name
		}
	}
	if latest == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, "portfolio", latest))
	if err != nil {
		return nil, fmt.Errorf("read portfolio: %w", err)
	}
	var view types.PortfolioView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("unmarshal portfolio %s: %w", latest, err)
	}
	return &view, nil
}

// writeJSON writes to a .tmp file first, then renames over the target so
// the file is never left in a partial state (crash-safe).
func (s *Store) writeJSON(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return os.Rename(tmp, path)
}

// sanitize makes an ID safe for use as a file name.
func sanitize(id string) string {
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(id)
}
