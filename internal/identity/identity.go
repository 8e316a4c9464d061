// Package identity provides the stable per-installation desktop instance id.
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Prefix distinguishes desktop clients from other device types.
const Prefix = "desktop-"

const (
	kvFile     = "identity.db"
	plainFile  = "instance_id"
	instanceID = "instance_id"
)

// Provider resolves the instance id from the state directory. The keyed
// SQLite store is primary; the plain file is the fallback layer.
type Provider struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	cached string
}

// NewProvider creates a provider rooted at stateDir.
func NewProvider(stateDir string, log zerolog.Logger) *Provider {
	return &Provider{
		dir: stateDir,
		log: log.With().Str("component", "identity").Logger(),
	}
}

// GetOrCreate returns the instance id, creating and persisting it on first use.
// Only a failure of every storage layer to yield or keep an id is an error.
func (p *Provider) GetOrCreate() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" {
		return p.cached, nil
	}

	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}

	db, dbErr := p.openKV()
	if dbErr != nil {
		p.log.Warn().Err(dbErr).Msg("keyed store unavailable, using plain file")
	} else {
		defer func() { _ = db.Close() }()
	}

	if db != nil {
		if id, err := readKV(db); err == nil && id != "" {
			p.cached = id
			return id, nil
		} else if err != nil {
			p.log.Warn().Err(err).Msg("read instance id from keyed store")
		}
	}

	if id := p.readFile(); id != "" {
		// Promote into the primary layer so future lookups hit it first.
		if db != nil {
			if err := writeKV(db, id); err != nil {
				p.log.Warn().Err(err).Msg("promote instance id to keyed store")
			}
		}
		p.cached = id
		return id, nil
	}

	id := Prefix + uuid.New().String()
	persisted := false
	if db != nil {
		if err := writeKV(db, id); err != nil {
			p.log.Warn().Err(err).Msg("persist instance id to keyed store")
		} else {
			persisted = true
		}
	}
	if err := p.writeFile(id); err != nil {
		if !persisted {
			return "", fmt.Errorf("persist instance id: %w", err)
		}
		p.log.Debug().Err(err).Msg("persist instance id to plain file")
	}

	p.log.Info().Str("instance_id", id).Msg("created instance id")
	p.cached = id
	return id, nil
}

func (p *Provider) openKV() (*sql.DB, error) {
	db, err := sql.Open("sqlite", filepath.Join(p.dir, kvFile))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func readKV(db *sql.DB) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, instanceID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func writeKV(db *sql.DB, id string) error {
	_, err := db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, instanceID, id)
	return err
}

func (p *Provider) readFile() string {
	data, err := os.ReadFile(filepath.Join(p.dir, plainFile))
	if err != nil {
		return ""
	}
	id := strings.TrimSpace(string(data))
	if !strings.HasPrefix(id, Prefix) {
		return ""
	}
	return id
}

func (p *Provider) writeFile(id string) error {
	return os.WriteFile(filepath.Join(p.dir, plainFile), []byte(id+"\n"), 0o600)
}
