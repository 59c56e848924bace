package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/scrubd/internal/deadletter"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/storage"
)

// Store is the job persistence intake needs. *storage.Store satisfies it.
type Store interface {
	CreateJob(j storage.Job) error
	GetJob(id string) (storage.Job, error)
	FindActiveByHash(contentHash string) (storage.Job, error)
	SetStoredPath(id, owner, path string) error
}

// Policies supplies the snapshot new jobs are accepted under. *policy.Manager satisfies it.
type Policies interface {
	Current() policy.Snapshot
}

// Submitter queues accepted jobs. *scheduler.Pool satisfies it.
type Submitter interface {
	Submit(jobID string)
}

// DeadLetters receives files that could not be taken in. *deadletter.Sink satisfies it.
type DeadLetters interface {
	Put(ctx context.Context, job storage.Job, reason, detail string) (string, error)
}

// Dirs are the custody directories intake moves files into.
type Dirs struct {
	Processing string
	Duplicates string
}

// Result describes what intake did with a file.
type Result struct {
	JobID     string
	Duplicate bool
	// Path is where the file ended up.
	Path string
}

// Intake turns a stable file into a Pending job: hash, deduplicate, move into
// processing custody, snapshot the policy, create the job and submit it.
type Intake struct {
	store    Store
	policies Policies
	submit   Submitter
	dlq      DeadLetters
	dirs     Dirs
	newID    func() string
	logger   *slog.Logger
}

func NewIntake(store Store, policies Policies, submit Submitter, dlq DeadLetters, dirs Dirs) *Intake {
	return &Intake{
		store:    store,
		policies: policies,
		submit:   submit,
		dlq:      dlq,
		dirs:     dirs,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
}

// intakeState survives between the first attempt and its retry so a file
// already moved is not looked for at its old location.
type intakeState struct {
	source string
	stored string
	id     string
	hash   string
}

// Accept takes in the file at path. A failing attempt is retried once; a
// second failure dead-letters the file with reason IngestFailure and returns
// the error.
func (in *Intake) Accept(ctx context.Context, path string) (Result, error) {
	st := &intakeState{source: path, stored: path}
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var res Result
		res, err = in.accept(st)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		in.logger.Warn("intake attempt failed", "path", path, "attempt", attempt, "error", err)
	}
	if rerr := in.reject(ctx, st, err); rerr != nil {
		return Result{}, errors.Join(err, rerr)
	}
	return Result{JobID: st.id, Path: st.stored}, fmt.Errorf("ingesting %s: %w", filepath.Base(path), err)
}

func (in *Intake) accept(st *intakeState) (Result, error) {
	if st.hash == "" {
		h, err := hashFile(st.stored)
		if err != nil {
			return Result{}, fmt.Errorf("hashing file: %w", err)
		}
		st.hash = h
	}
	existing, err := in.store.FindActiveByHash(st.hash)
	switch {
	case err == nil:
		return in.duplicate(st, existing.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, fmt.Errorf("checking duplicates: %w", err)
	}

	if st.id == "" {
		st.id = in.newID()
	}
	dest := filepath.Join(in.dirs.Processing, st.id+strings.ToLower(filepath.Ext(st.source)))
	if st.stored != dest {
		if err := moveFile(st.stored, dest); err != nil {
			return Result{}, fmt.Errorf("moving into processing: %w", err)
		}
		st.stored = dest
	}

	snap := in.policies.Current()
	doc, err := snap.Policy.JSON()
	if err != nil {
		return Result{}, err
	}
	err = in.store.CreateJob(storage.Job{
		ID:            st.id,
		SourcePath:    st.source,
		StoredPath:    st.stored,
		ContentHash:   st.hash,
		PolicyVersion: snap.Version,
		PolicyJSON:    doc,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		existing, ferr := in.store.FindActiveByHash(st.hash)
		if ferr != nil {
			return Result{}, fmt.Errorf("resolving duplicate: %w", ferr)
		}
		return in.duplicate(st, existing.ID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("creating job: %w", err)
	}

	in.logger.Info("document accepted", "job_id", st.id, "policy_version", snap.Version)
	in.submit.Submit(st.id)
	return Result{JobID: st.id, Path: st.stored}, nil
}

// duplicate moves the file aside; the active job already covers its content.
func (in *Intake) duplicate(st *intakeState, activeID string) (Result, error) {
	name := filepath.Base(st.source)
	dest := filepath.Join(in.dirs.Duplicates, name)
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(in.dirs.Duplicates, in.newID()+"-"+name)
	}
	if err := moveFile(st.stored, dest); err != nil {
		return Result{}, fmt.Errorf("moving duplicate: %w", err)
	}
	st.stored = dest
	in.logger.Info("duplicate drop", "active_job_id", activeID, "path", dest)
	return Result{JobID: activeID, Duplicate: true, Path: dest}, nil
}

// reject records the file as a dead-lettered job so an operator can retry
// or purge it.
func (in *Intake) reject(ctx context.Context, st *intakeState, cause error) error {
	if st.id == "" {
		st.id = in.newID()
	}
	snap := in.policies.Current()
	doc, _ := snap.Policy.JSON()
	job := storage.Job{
		ID:            st.id,
		SourcePath:    st.source,
		StoredPath:    st.stored,
		ContentHash:   st.hash,
		State:         storage.StateDeadLettered,
		PolicyVersion: snap.Version,
		PolicyJSON:    doc,
		Disposition:   storage.DispositionDeadLettered,
		Reason:        deadletter.ReasonIngestFailure,
	}
	if err := in.store.CreateJob(job); err != nil {
		return fmt.Errorf("recording failed intake: %w", err)
	}
	// The record names the state the file never left.
	job.State = storage.StatePending
	ref, err := in.dlq.Put(ctx, job, deadletter.ReasonIngestFailure, cause.Error())
	if err != nil {
		return err
	}
	if ref != st.stored {
		if err := in.store.SetStoredPath(st.id, "", ref); err != nil {
			return err
		}
		st.stored = ref
	}
	return nil
}

// Adopt creates a job for a file found in processing/ without one, as left
// by a crash between the move and the job insert. The job id is the file
// name without its extension. It returns false when a job already exists.
func (in *Intake) Adopt(ctx context.Context, path string) (bool, error) {
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if _, err := in.store.GetJob(id); err == nil {
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	st := &intakeState{source: path, stored: path, id: id}
	res, err := in.accept(st)
	if err != nil {
		return false, fmt.Errorf("adopting %s: %w", id, err)
	}
	if !res.Duplicate {
		in.logger.Info("orphan file adopted", "job_id", id)
	}
	return !res.Duplicate, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// moveFile renames src to dest, creating dest's directory.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	return os.Rename(src, dest)
}
