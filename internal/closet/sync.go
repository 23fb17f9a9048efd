package closet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ProgressFunc reports incremental download progress: done of total missing
// blobs fetched so far.
type ProgressFunc func(done, total int)

// SyncOptions tune one sync run.
type SyncOptions struct {
	// Location is the manifest location to sync.
	Location string

	// SyncDays is how many days of manifests to fetch, counting back from
	// today. Zero means the engine default.
	SyncDays int

	// ActiveHashes are blobs currently in use by the application; they are
	// force-included in the reachable set so a sweep never soft-deletes
	// them out from under an open view.
	ActiveHashes []string
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	BlobsDownloaded int
	BytesDownloaded int64
}

// Engine orchestrates synchronization: fetch remote manifests, compute the
// reachable hash set, diff it against local metadata, download what is
// missing, and keep the bookkeeping current. Cancellation is cooperative:
// the context is checked before and after every network call and before
// every metadata mutation, so a canceled sync stops promptly and mutates
// nothing further once cancellation is observed.
type Engine struct {
	vault   *Vault
	db      *DB
	locks   LockProvider
	remote  *ManifestClient
	policy  Policy
	metrics *Metrics

	syncDays     int
	backfillDays int
	maxBlobBytes int64
	now          func() time.Time

	// backfill runs Sync for a deep historical window; overridable in tests
	// to observe supersession.
	backfill func(ctx context.Context, location string)

	mu             sync.Mutex
	primary        string
	backfillCancel context.CancelFunc
	backfillDone   chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineNow overrides the engine clock, for tests.
func WithEngineNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches a metrics bundle.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithSyncDays sets the default recent-sync window.
func WithSyncDays(days int) EngineOption {
	return func(e *Engine) { e.syncDays = days }
}

// WithBackfillDays sets the deep-backfill window used when a location
// becomes primary.
func WithBackfillDays(days int) EngineOption {
	return func(e *Engine) { e.backfillDays = days }
}

// WithMaxBlobBytes caps the size a single manifest entry may claim. An entry
// over the cap is treated as a corrupt manifest, not downloaded. Zero
// disables the cap.
func WithMaxBlobBytes(max int64) EngineOption {
	return func(e *Engine) { e.maxBlobBytes = max }
}

// withBackfillFunc overrides the backfill body, for tests.
func withBackfillFunc(fn func(ctx context.Context, location string)) EngineOption {
	return func(e *Engine) { e.backfill = fn }
}

// NewEngine wires a sync engine. All collaborators are injected; nothing is
// ambient, so tests can substitute in-memory doubles throughout.
func NewEngine(vault *Vault, db *DB, locks LockProvider, remote *ManifestClient, policy Policy, opts ...EngineOption) *Engine {
	e := &Engine{
		vault:        vault,
		db:           db,
		locks:        locks,
		remote:       remote,
		policy:       policy,
		syncDays:     3,
		backfillDays: 30,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backfill == nil {
		e.backfill = e.runBackfill
	}
	return e
}

// Sync runs one synchronization pass. onProgress may be nil. A canceled run
// returns the partial result alongside the context error; callers treat that
// as an expected early stop, not a failure.
func (e *Engine) Sync(ctx context.Context, onProgress ProgressFunc, opts SyncOptions) (*SyncResult, error) {
	runID := uuid.NewString()[:8]
	days := opts.SyncDays
	if days <= 0 {
		days = e.syncDays
	}

	log.Info().Str("run", runID).Str("location", opts.Location).Int("days", days).Msg("sync starting")

	result := &SyncResult{}

	entries, err := e.fetchManifests(ctx, opts.Location, days)
	if err != nil {
		e.countSync(err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info().Str("run", runID).Msg("sync canceled")
			return result, err
		}
		return nil, err
	}

	nowMs := e.now().UnixMilli()
	reachable := ReachableSet(entries, e.policy, nowMs, opts.ActiveHashes)

	entryByHash := make(map[string]ManifestEntry, len(entries))
	for _, entry := range entries {
		entryByHash[entry.Hash] = entry
	}

	err = WithLock(ctx, e.locks, LockName, func() error {
		if err := e.sweepExpired(ctx, entryByHash, reachable); err != nil {
			return err
		}

		missing, err := e.missingHashes(reachable, entryByHash)
		if err != nil {
			return err
		}

		for i, entry := range missing {
			// Cancellation boundaries: before the download, and again
			// before touching metadata afterwards.
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.maxBlobBytes > 0 && entry.SizeBytes > e.maxBlobBytes {
				return fmt.Errorf("manifest claims %d bytes for %s, cap is %d: %w",
					entry.SizeBytes, entry.Hash, e.maxBlobBytes, ErrIntegrity)
			}
			data, err := e.remote.FetchBlob(ctx, entry)
			if err != nil {
				return err
			}
			if int64(len(data)) != entry.SizeBytes {
				return fmt.Errorf("blob %s: manifest claims %d bytes, payload is %d: %w",
					entry.Hash, entry.SizeBytes, len(data), ErrIntegrity)
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := e.vault.Put(entry.Hash, data); err != nil {
				return err
			}
			meta := &BlobMeta{
				Hash:       entry.Hash,
				SizeBytes:  entry.SizeBytes,
				LastAccess: e.now(),
				Present:    true,
			}
			if err := e.db.UpsertBlobMeta(meta); err != nil {
				return err
			}
			if err := e.db.AddBytesPresent(entry.SizeBytes); err != nil {
				return err
			}

			result.BlobsDownloaded++
			result.BytesDownloaded += entry.SizeBytes
			if e.metrics != nil {
				e.metrics.BlobsDownloaded.Inc()
				e.metrics.BytesDownloaded.Add(float64(entry.SizeBytes))
			}
			if onProgress != nil {
				onProgress(i+1, len(missing))
			}
		}
		return nil
	})

	e.countSync(err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info().Str("run", runID).Int("blobs", result.BlobsDownloaded).Msg("sync canceled")
			return result, err
		}
		return nil, err
	}

	log.Info().
		Str("run", runID).
		Int("blobs", result.BlobsDownloaded).
		Int64("bytes", result.BytesDownloaded).
		Msg("sync complete")
	return result, nil
}

// SetPrimaryLocation switches the primary location and starts a deep
// backfill for it. Any in-flight backfill for the previous location is
// canceled cooperatively: it observes its context as done at the next
// boundary and stops. Of two switches in quick succession, exactly the
// superseded backfill ends canceled.
func (e *Engine) SetPrimaryLocation(location string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backfillCancel != nil {
		e.backfillCancel()
	}
	e.primary = location

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.backfillCancel = cancel
	e.backfillDone = done

	go func() {
		defer close(done)
		defer cancel()
		e.backfill(ctx, location)
	}()
}

// PrimaryLocation returns the current primary location.
func (e *Engine) PrimaryLocation() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary
}

// WaitForBackfill blocks until the most recently started backfill finishes.
func (e *Engine) WaitForBackfill() {
	e.mu.Lock()
	done := e.backfillDone
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) runBackfill(ctx context.Context, location string) {
	_, err := e.Sync(ctx, nil, SyncOptions{Location: location, SyncDays: e.backfillDays})
	switch {
	case err == nil:
		log.Info().Str("location", location).Msg("backfill complete")
	case errors.Is(err, context.Canceled):
		log.Info().Str("location", location).Msg("backfill superseded")
	default:
		log.Error().Err(err).Str("location", location).Msg("backfill failed")
	}
}

// Get reads a blob through the engine, updating its last access time.
func (e *Engine) Get(hash string) ([]byte, error) {
	data, err := e.vault.Get(hash)
	if err != nil {
		return nil, err
	}
	if err := e.db.TouchBlob(hash); err != nil {
		return nil, err
	}
	return data, nil
}

// fetchManifests collects manifest entries for the trailing day range,
// checking for cancellation around every fetch.
func (e *Engine) fetchManifests(ctx context.Context, location string, days int) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	today := e.now().UTC().Truncate(24 * time.Hour)

	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day := today.AddDate(0, 0, -i)
		dayEntries, err := e.remote.FetchManifest(ctx, location, day)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries = append(entries, dayEntries...)
	}
	return entries, nil
}

// sweepExpired soft-deletes present metas whose manifest entry in the fetched
// window fell out of the reachable set: those are known-expired. Metas absent
// from the window are left alone, since a narrow sync sees only a slice of
// the retention window and must not evict blobs a wider backfill legitimately
// retained. The payload stays in the vault until reconciliation reclaims it.
func (e *Engine) sweepExpired(ctx context.Context, listed map[string]ManifestEntry, reachable map[string]struct{}) error {
	metas, err := e.db.AllBlobMetas()
	if err != nil {
		return err
	}

	for _, meta := range metas {
		if !meta.Present || meta.Pinned {
			continue
		}
		hash := normalizeHash(meta.Hash)
		if _, ok := listed[hash]; !ok {
			continue
		}
		if _, ok := reachable[hash]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		meta.Present = false
		if err := e.db.UpsertBlobMeta(&meta); err != nil {
			return err
		}
		if err := e.db.AddBytesPresent(-meta.SizeBytes); err != nil {
			return err
		}
		log.Debug().Str("hash", meta.Hash).Msg("soft-deleted unreachable blob")
	}
	return nil
}

// missingHashes returns manifest entries for reachable hashes that are not
// already present locally, resurrecting soft-deleted rows whose payload
// still exists instead of re-downloading them.
func (e *Engine) missingHashes(reachable map[string]struct{}, entryByHash map[string]ManifestEntry) ([]ManifestEntry, error) {
	var missing []ManifestEntry

	for hash := range reachable {
		entry, listed := entryByHash[hash]
		if !listed {
			// Pinned or active hash with no manifest entry this window;
			// nothing to download.
			continue
		}

		meta, err := e.db.GetBlobMeta(hash)
		if err != nil && !errors.Is(err, ErrMetaNotFound) {
			return nil, err
		}
		if meta != nil && meta.Present {
			continue
		}

		has, err := e.vault.Has(hash)
		if err != nil {
			return nil, err
		}
		if has && meta != nil {
			// Payload survived a soft delete; flip it back instead of
			// fetching again.
			meta.Present = true
			meta.LastAccess = e.now()
			if err := e.db.UpsertBlobMeta(meta); err != nil {
				return nil, err
			}
			if err := e.db.AddBytesPresent(meta.SizeBytes); err != nil {
				return nil, err
			}
			continue
		}

		missing = append(missing, entry)
	}

	// Deterministic download order regardless of map iteration.
	sort.Slice(missing, func(i, j int) bool { return missing[i].Hash < missing[j].Hash })
	return missing, nil
}

func (e *Engine) countSync(err error) {
	if e.metrics == nil {
		return
	}
	switch {
	case err == nil:
		e.metrics.SyncRuns.WithLabelValues("ok").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.metrics.SyncRuns.WithLabelValues("canceled").Inc()
	default:
		e.metrics.SyncRuns.WithLabelValues("error").Inc()
	}
}
