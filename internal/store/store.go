// Package store persists bot configs, settlement state, and global
// settings as JSON files under the data directory:
//
//	data/
//	  bots/<id>.json        bot configuration (0600, contains ciphertext)
//	  settlements/<id>.json realized P&L and open-position snapshot
//	  settings.json         global settings
//
// Every write goes to a temp file in the same directory followed by an
// atomic rename, so a crash mid-write never leaves a torn file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/strategy"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// SettlementRecord is the persisted trading state of one bot. It survives
// restarts so realized P&L carries across sessions and an open position
// left behind by a crash can be surfaced for manual handling.
type SettlementRecord struct {
	BotID          string             `json:"bot_id"`
	RealizedPnLUSD float64            `json:"realized_pnl_usd"`
	TotalTrades    int                `json:"total_trades"`
	WinningTrades  int                `json:"winning_trades"`
	LosingTrades   int                `json:"losing_trades"`
	LastExitTime   time.Time          `json:"last_exit_time,omitempty"`
	OpenPosition   *strategy.Position `json:"open_position,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Store is the JSON file store. Safe for concurrent use as long as each
// bot ID has a single writer, which the registry guarantees.
type Store struct {
	dir string
}

// New creates the store and its subdirectories.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"", "bots", "settlements"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// SaveBot writes a bot config. The file carries the wallet ciphertext, so
// it is written owner-only.
func (s *Store) SaveBot(bot *config.BotConfig) error {
	return writeJSON(s.botPath(bot.ID), bot, 0o600)
}

// LoadBot reads one bot config by ID.
func (s *Store) LoadBot(id string) (*config.BotConfig, error) {
	var bot config.BotConfig
	if err := readJSON(s.botPath(id), &bot); err != nil {
		return nil, err
	}
	return &bot, nil
}

// LoadBots reads all persisted bot configs. Unreadable files are skipped
// and reported so one corrupt record cannot take the process down.
func (s *Store) LoadBots() ([]*config.BotConfig, []error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "bots"))
	if err != nil {
		return nil, []error{fmt.Errorf("read bots dir: %w", err)}
	}

	var bots []*config.BotConfig
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var bot config.BotConfig
		if err := readJSON(filepath.Join(s.dir, "bots", e.Name()), &bot); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", e.Name(), err))
			continue
		}
		bots = append(bots, &bot)
	}
	return bots, errs
}

// DeleteBot removes a bot config. The settlement record stays on disk:
// realized P&L is an audit trail that outlives the bot.
func (s *Store) DeleteBot(id string) error {
	if err := os.Remove(s.botPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete bot: %w", err)
	}
	return nil
}

// SaveSettlement writes a bot's settlement record.
func (s *Store) SaveSettlement(rec *SettlementRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	return writeJSON(s.settlementPath(rec.BotID), rec, 0o644)
}

// LoadSettlement reads a bot's settlement record, or ErrNotFound.
func (s *Store) LoadSettlement(botID string) (*SettlementRecord, error) {
	var rec SettlementRecord
	if err := readJSON(s.settlementPath(botID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveSettings writes the global settings.
func (s *Store) SaveSettings(settings *config.GlobalSettings) error {
	return writeJSON(filepath.Join(s.dir, "settings.json"), settings, 0o644)
}

// LoadSettings reads the global settings, or ErrNotFound before any were
// saved.
func (s *Store) LoadSettings() (*config.GlobalSettings, error) {
	var settings config.GlobalSettings
	if err := readJSON(filepath.Join(s.dir, "settings.json"), &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func (s *Store) botPath(id string) string {
	return filepath.Join(s.dir, "bots", id+".json")
}

func (s *Store) settlementPath(id string) string {
	return filepath.Join(s.dir, "settlements", id+".json")
}

// writeJSON marshals v and atomically replaces path via temp + rename.
func writeJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
