package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/scrubd/internal/adapter"
	"github.com/kalambet/scrubd/internal/archive"
	"github.com/kalambet/scrubd/internal/detect"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/storage"
	"github.com/kalambet/scrubd/internal/validate"
)

// stageOutcome is what a successful stage hands back to step.
type stageOutcome struct {
	next    string
	event   string
	payload map[string]any
	counts  map[string]int
	// check runs after the ledger append and before the transition.
	check func() error
	// rollback, when set, moves the job back to an earlier state instead.
	rollback string
}

type stageFunc func(ctx context.Context, w *work) (stageOutcome, error)

func (o *Orchestrator) validateStage(ctx context.Context, w *work) (stageOutcome, error) {
	res, err := validate.File(w.job.StoredPath, w.policy)
	if err != nil {
		return stageOutcome{}, err
	}
	w.doc = &adapter.Document{Name: w.job.ID, MediaType: res.MediaType, Content: res.Content}
	return stageOutcome{
		next:  storage.StateExtracting,
		event: ledger.EventValidated,
		payload: map[string]any{
			"content_hash":   w.job.ContentHash,
			"media_type":     res.MediaType,
			"pages":          res.Pages,
			"policy_version": w.job.PolicyVersion,
			"size_bytes":     res.Size,
		},
		counts: map[string]int{"pages": res.Pages},
	}, nil
}

func (o *Orchestrator) extractStage(ctx context.Context, w *work) (stageOutcome, error) {
	w.ext = nil
	if err := o.ensureExtraction(ctx, w); err != nil {
		return stageOutcome{}, err
	}
	return stageOutcome{
		next:  storage.StateDetecting,
		event: ledger.EventExtracted,
		payload: map[string]any{
			"pages":   len(w.ext.Pages),
			"regions": len(w.ext.Regions),
		},
		counts: map[string]int{"pages": len(w.ext.Pages), "regions": len(w.ext.Regions)},
	}, nil
}

func (o *Orchestrator) detectStage(ctx context.Context, w *work) (stageOutcome, error) {
	w.entities = nil
	if err := o.ensureEntities(ctx, w); err != nil {
		return stageOutcome{}, err
	}
	counts := adapter.CountByCategory(w.entities)
	if err := o.store.SetEntityCounts(w.job.ID, w.owner, counts); err != nil {
		return stageOutcome{}, fmt.Errorf("storing entity counts: %w", err)
	}
	return stageOutcome{
		next:  storage.StateRedacting,
		event: ledger.EventDetected,
		payload: map[string]any{
			"entities":   len(w.entities),
			"categories": counts,
		},
		counts: counts,
	}, nil
}

func (o *Orchestrator) redactStage(ctx context.Context, w *work) (stageOutcome, error) {
	w.redacted = nil
	if err := o.ensureRedacted(ctx, w); err != nil {
		return stageOutcome{}, err
	}
	return stageOutcome{
		next:    storage.StateSigning,
		event:   ledger.EventRedacted,
		payload: map[string]any{"regions": len(w.regions)},
		counts:  map[string]int{"regions": len(w.regions)},
	}, nil
}

func (o *Orchestrator) signStage(ctx context.Context, w *work) (stageOutcome, error) {
	// A valid artifact from an earlier run is not signed again.
	if w.job.ArtifactPath != "" {
		sig, err := o.archive.Check(w.job.ArtifactPath)
		if err == nil && sig.SHA256 == w.job.OutputHash {
			return signedOutcome(sig), nil
		}
		if err := o.archive.RemoveJob(w.job.ID); err != nil {
			return stageOutcome{}, fmt.Errorf("removing stale artifact: %w", err)
		}
	}
	if err := o.ensureRedacted(ctx, w); err != nil {
		return stageOutcome{}, err
	}

	doc := *w.redacted
	sd, err := call(ctx, o.cfg.StageTimeout, func(ctx context.Context) (adapter.SignedDocument, error) {
		return o.adapters.Signer.Sign(ctx, doc)
	})
	if err != nil {
		return stageOutcome{}, err
	}
	path, err := o.archive.Put(w.job.ID, sd)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("archiving artifact: %w", err)
	}
	if err := o.store.SetArtifact(w.job.ID, w.owner, path, sd.Signature.SHA256); err != nil {
		return stageOutcome{}, fmt.Errorf("recording artifact: %w", err)
	}
	return signedOutcome(sd.Signature), nil
}

func signedOutcome(sig adapter.Signature) stageOutcome {
	return stageOutcome{
		next:  storage.StateAuditing,
		event: ledger.EventSigned,
		payload: map[string]any{
			"algorithm": sig.Algorithm,
			"key_id":    sig.KeyID,
			"sha256":    sig.SHA256,
		},
	}
}

func (o *Orchestrator) auditStage(ctx context.Context, w *work) (stageOutcome, error) {
	job := w.job
	sig, err := o.archive.Check(job.ArtifactPath)
	if err == nil && sig.SHA256 != job.OutputHash {
		err = fmt.Errorf("%w: hash differs from recorded output", archive.ErrCorrupt)
	}
	if errors.Is(err, archive.ErrMissing) || errors.Is(err, archive.ErrCorrupt) {
		// The signing side effect is gone; redo it.
		w.rollbacks++
		if w.rollbacks > o.cfg.MaxAttempts {
			return stageOutcome{}, fmt.Errorf("%w: %v", errArtifactLost, err)
		}
		o.logger.Warn("artifact invalid, re-signing", "job_id", job.ID, "error", err)
		if err := o.archive.RemoveJob(job.ID); err != nil {
			return stageOutcome{}, fmt.Errorf("removing invalid artifact: %w", err)
		}
		if err := o.store.SetArtifact(job.ID, w.owner, "", ""); err != nil {
			return stageOutcome{}, err
		}
		return stageOutcome{rollback: storage.StateSigning}, nil
	}
	if err != nil {
		return stageOutcome{}, err
	}

	dest, err := relocate(job.StoredPath, o.cfg.OriginalsDir, job.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("moving original: %w", err)
	}
	if dest != job.StoredPath {
		if err := o.store.SetStoredPath(job.ID, w.owner, dest); err != nil {
			return stageOutcome{}, err
		}
	}

	counts := job.EntityCounts
	if counts == nil {
		counts = map[string]int{}
	}
	return stageOutcome{
		next:  storage.StateArchived,
		event: ledger.EventArchived,
		payload: map[string]any{
			"categories": counts,
			"entities":   job.EntityCount,
			"sha256":     job.OutputHash,
		},
		counts: counts,
		check: func() error {
			rep, err := o.ledger.VerifyJob(job.ID)
			if err != nil {
				return fmt.Errorf("%w: %w: verifying job entries: %v", ErrHeld, ErrLedgerUnavailable, err)
			}
			if !rep.OK {
				return fmt.Errorf("job %s: %w: %s", job.ID, ledger.ErrIntegrity, rep.Divergence)
			}
			return nil
		},
	}, nil
}

// ensureDocument loads the input file when it is not in memory, as after
// a restart past Validating.
func (o *Orchestrator) ensureDocument(w *work) error {
	if w.doc != nil {
		return nil
	}
	res, err := validate.File(w.job.StoredPath, w.policy)
	if err != nil {
		return err
	}
	w.doc = &adapter.Document{Name: w.job.ID, MediaType: res.MediaType, Content: res.Content}
	return nil
}

func (o *Orchestrator) ensureExtraction(ctx context.Context, w *work) error {
	if w.ext != nil {
		return nil
	}
	if err := o.ensureDocument(w); err != nil {
		return err
	}
	doc := *w.doc
	ext, err := call(ctx, o.cfg.StageTimeout, func(ctx context.Context) (adapter.Extraction, error) {
		return o.adapters.Extractor.Extract(ctx, doc)
	})
	if err != nil {
		return err
	}
	w.ext = &ext
	return nil
}

func (o *Orchestrator) ensureEntities(ctx context.Context, w *work) error {
	if w.entities != nil {
		return nil
	}
	if err := o.ensureExtraction(ctx, w); err != nil {
		return err
	}
	text, regions := w.ext.Text, w.ext.Regions
	var all []adapter.Entity
	for _, d := range o.adapters.Detectors {
		found, err := call(ctx, o.cfg.StageTimeout, func(ctx context.Context) ([]adapter.Entity, error) {
			return d.Detect(ctx, text, regions)
		})
		if err != nil {
			return err
		}
		all = append(all, o.inBounds(w.job.ID, len(text), found)...)
	}
	opts := w.policy.DetectOptions()
	w.entities = detect.Merge(detect.Filter(all, opts), opts.HighPrecision)
	if w.entities == nil {
		w.entities = []adapter.Entity{}
	}
	return nil
}

// inBounds drops entities whose span is empty or outside text.
func (o *Orchestrator) inBounds(jobID string, n int, found []adapter.Entity) []adapter.Entity {
	out := found[:0:0]
	for _, e := range found {
		if e.Start < 0 || e.Start >= e.End || e.End > n {
			o.logger.Warn("dropping out-of-range entity", "job_id", jobID, "category", e.Category,
				"start", e.Start, "end", e.End, "text_len", n)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) ensureRedacted(ctx context.Context, w *work) error {
	if w.redacted != nil {
		return nil
	}
	if err := o.ensureEntities(ctx, w); err != nil {
		return err
	}
	w.regions = adapter.Regions(*w.ext, w.entities)

	doc, regions := *w.doc, w.regions
	out, err := call(ctx, o.cfg.StageTimeout, func(ctx context.Context) (adapter.Document, error) {
		return o.adapters.Redactor.Redact(ctx, doc, regions)
	})
	if err != nil {
		return err
	}
	if err := o.selfCheck(ctx, w, out); err != nil {
		return err
	}
	w.redacted = &out
	return nil
}

// selfCheck re-extracts the redacted output. It fails when any extracted
// text overlaps a redacted box or the literal text of a redacted span
// survives anywhere in the output.
func (o *Orchestrator) selfCheck(ctx context.Context, w *work, out adapter.Document) error {
	after, err := call(ctx, o.cfg.StageTimeout, func(ctx context.Context) (adapter.Extraction, error) {
		return o.adapters.Extractor.Extract(ctx, out)
	})
	if errors.Is(err, adapter.ErrTimeout) || ctx.Err() != nil {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: output cannot be re-extracted: %v", ErrSelfCheck, err)
	}

	for _, lr := range after.Regions {
		for _, r := range w.regions {
			if lr.Page == r.Page && lr.Box.Intersects(r.Box) {
				return fmt.Errorf("%w: text overlaps a redacted region on page %d", ErrSelfCheck, r.Page)
			}
		}
	}
	for _, e := range w.entities {
		literal := strings.TrimSpace(w.ext.Text[e.Start:e.End])
		if literal != "" && strings.Contains(after.Text, literal) {
			return fmt.Errorf("%w: a %s span survived redaction", ErrSelfCheck, e.Category)
		}
	}
	return nil
}
