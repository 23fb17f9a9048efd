package closet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
)

// Closet bundles the wired subsystem. The surrounding application consumes
// it only through Engine (sync, reads) and Reconciler; it never manipulates
// the vault or the DB directly.
type Closet struct {
	Vault      *Vault
	DB         *DB
	Locks      LockProvider
	Engine     *Engine
	Reconciler *Reconciler
}

// Open wires a closet rooted at dataDir: an on-disk vault under
// dataDir/vault, the closet DB at dataDir/closet.db, and a FIFO lock
// provider shared by the engine and the reconciler. metrics may be nil.
func Open(dataDir string, remote *ManifestClient, policy Policy, metrics *Metrics, opts ...EngineOption) (*Closet, error) {
	vaultDir := filepath.Join(dataDir, "vault")
	if err := os.MkdirAll(vaultDir, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	vault, err := NewVault(osfs.New(vaultDir))
	if err != nil {
		return nil, err
	}

	db, err := OpenDB(filepath.Join(dataDir, "closet.db"))
	if err != nil {
		return nil, err
	}

	locks := NewFIFOLockProvider()
	engineOpts := append([]EngineOption{WithMetrics(metrics)}, opts...)

	return &Closet{
		Vault:      vault,
		DB:         db,
		Locks:      locks,
		Engine:     NewEngine(vault, db, locks, remote, policy, engineOpts...),
		Reconciler: NewReconciler(vault, db, locks, metrics),
	}, nil
}

// Close releases the closet DB.
func (c *Closet) Close() error {
	return c.DB.Close()
}
