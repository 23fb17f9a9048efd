package closet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ReconciliationReport summarizes one sweep.
type ReconciliationReport struct {
	TrueOrphansFound     int   `json:"trueOrphansFound"`
	SoftOrphansFound     int   `json:"softOrphansFound"`
	OrphansReclaimed     int   `json:"orphansReclaimed"`
	PinnedOrphansSkipped int   `json:"pinnedOrphansSkipped"`
	TotalBytesRecomputed int64 `json:"totalBytesRecomputed"`

	// Faults are per-hash failures captured during the sweep. A fault on
	// one hash never aborts the rest: the sweep must not destroy anything
	// it cannot positively prove safe, but it also should not let one bad
	// row block reclaiming the rest.
	Faults []string `json:"faults,omitempty"`
}

// ReconcileOptions tune one sweep.
type ReconcileOptions struct {
	// Policy supplies pins that must survive reclamation. Optional.
	Policy *Policy

	// ActiveHashes are currently in-use blobs that must not be reclaimed
	// even if soft-orphaned. Matching is case-insensitive.
	ActiveHashes []string
}

// Reconciler cross-checks the vault against the closet DB, reports orphans,
// reclaims the provably safe ones, and recomputes the present-bytes
// aggregate from ground truth. It is the only component that performs
// physical deletion.
type Reconciler struct {
	vault   *Vault
	db      *DB
	locks   LockProvider
	metrics *Metrics
}

// NewReconciler wires a reconciler. metrics may be nil.
func NewReconciler(vault *Vault, db *DB, locks LockProvider, metrics *Metrics) *Reconciler {
	return &Reconciler{vault: vault, db: db, locks: locks, metrics: metrics}
}

// Reconcile sweeps the vault. With fix=false it is a pure audit: no vault,
// DB, or counter mutation of any kind. With fix=true it deletes reclaimable
// soft orphans and persists the recomputed aggregate. Classification:
//
//   - blob in vault, no DB row: true orphan. It may be mid-flight from a
//     concurrent writer, so it is only ever counted, never deleted,
//     regardless of fix and of how many times the sweep runs.
//   - blob in vault, DB row with Present=false: soft orphan. Reclaimable
//     unless policy-pinned, meta-pinned, or listed as active.
//   - DB row with Present=false and no payload in the vault: bookkeeping
//     residue, e.g. a reclaim that removed the blob but then failed on the
//     row. Removed on fix runs unless protected; not counted as an orphan.
//
// Repeated fix runs converge: a second sweep over the same state reclaims
// nothing further and recomputes the same aggregate.
func (r *Reconciler) Reconcile(ctx context.Context, fix bool, opts ReconcileOptions) (*ReconciliationReport, error) {
	report := &ReconciliationReport{}

	err := WithLock(ctx, r.locks, LockName, func() error {
		vaultHashes, err := r.vault.AllHashes()
		if err != nil {
			return fmt.Errorf("enumerate vault: %w", err)
		}

		metas, err := r.db.AllBlobMetas()
		if err != nil {
			return fmt.Errorf("enumerate metadata: %w", err)
		}
		metaByHash := make(map[string]BlobMeta, len(metas))
		for _, meta := range metas {
			metaByHash[normalizeHash(meta.Hash)] = meta
		}

		inVault := make(map[string]struct{}, len(vaultHashes))
		for _, hash := range vaultHashes {
			inVault[hash] = struct{}{}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.classify(hash, metaByHash, fix, opts, report); err != nil {
				report.Faults = append(report.Faults, fmt.Sprintf("%s: %v", hash, err))
			}
		}

		// Soft-deleted rows whose payload is already gone would never be
		// revisited by the hash walk above; drop them so a half-failed
		// reclaim does not leave a permanent dead row.
		if fix {
			for hash, meta := range metaByHash {
				if err := ctx.Err(); err != nil {
					return err
				}
				if meta.Present || r.isProtected(hash, meta, opts) {
					continue
				}
				if _, ok := inVault[hash]; ok {
					continue
				}
				if err := r.db.DeleteBlobMeta(hash); err != nil {
					report.Faults = append(report.Faults, fmt.Sprintf("%s: delete stale row: %v", hash, err))
					continue
				}
				log.Debug().Str("hash", hash).Msg("removed payload-less metadata row")
			}
		}

		// The cached aggregate may have drifted under incremental updates;
		// recompute from the rows themselves, ignoring the stored value.
		var total int64
		for _, meta := range metas {
			if meta.Present {
				total += meta.SizeBytes
			}
		}
		report.TotalBytesRecomputed = total

		if fix {
			if err := r.db.SetTotalBytesPresent(total); err != nil {
				return fmt.Errorf("persist recomputed total: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		mode := "audit"
		if fix {
			mode = "fix"
		}
		r.metrics.ReconcileRuns.WithLabelValues(mode).Inc()
		r.metrics.TrueOrphans.Set(float64(report.TrueOrphansFound))
		r.metrics.OrphansReclaimed.Add(float64(report.OrphansReclaimed))
		if fix {
			r.metrics.PresentBytes.Set(float64(report.TotalBytesRecomputed))
		}
	}

	log.Info().
		Bool("fix", fix).
		Int("true_orphans", report.TrueOrphansFound).
		Int("soft_orphans", report.SoftOrphansFound).
		Int("reclaimed", report.OrphansReclaimed).
		Int("pinned_skipped", report.PinnedOrphansSkipped).
		Int64("total_bytes", report.TotalBytesRecomputed).
		Int("faults", len(report.Faults)).
		Msg("reconciliation complete")

	return report, nil
}

// classify handles a single vault hash. Deleting the blob and its row when
// reclaiming keeps a repeat sweep from seeing a true orphan where a soft
// orphan used to be.
func (r *Reconciler) classify(hash string, metaByHash map[string]BlobMeta, fix bool, opts ReconcileOptions, report *ReconciliationReport) error {
	meta, ok := metaByHash[hash]
	if !ok {
		// No metadata row at all: possibly mid-flight from a concurrent
		// writer. Count it and leave it alone.
		report.TrueOrphansFound++
		return nil
	}
	if meta.Present {
		return nil
	}

	report.SoftOrphansFound++

	if r.isProtected(hash, meta, opts) {
		report.PinnedOrphansSkipped++
		return nil
	}
	if !fix {
		return nil
	}

	if err := r.vault.Delete(hash); err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if err := r.db.DeleteBlobMeta(hash); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	delete(metaByHash, hash)
	report.OrphansReclaimed++

	log.Debug().Str("hash", hash).Int64("size", meta.SizeBytes).Msg("reclaimed soft orphan")
	return nil
}

func (r *Reconciler) isProtected(hash string, meta BlobMeta, opts ReconcileOptions) bool {
	if meta.Pinned {
		return true
	}
	if opts.Policy != nil && opts.Policy.IsHashPinned(hash) {
		return true
	}
	for _, active := range opts.ActiveHashes {
		if normalizeHash(active) == hash {
			return true
		}
	}
	return false
}
