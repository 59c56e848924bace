package ledger

import (
	"errors"
	"fmt"

	"github.com/kalambet/scrubd/internal/storage"
)

// Divergence kinds.
const (
	DivergenceGap       = "sequence_gap"
	DivergenceLink      = "prev_hash_mismatch"
	DivergenceEntryHash = "entry_hash_mismatch"
)

// Divergence is the first point where the stored chain disagrees with its recomputation.
type Divergence struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("seq %d: %s", d.Seq, d.Kind)
}

// Report is the outcome of a chain check.
type Report struct {
	From       int64       `json:"from"`
	To         int64       `json:"to"`
	Checked    int         `json:"checked"`
	OK         bool        `json:"ok"`
	Divergence *Divergence `json:"divergence,omitempty"`
}

// Verify recomputes the chain over from..to (to <= 0 means the tail),
// including the link into the range from entry from-1. A divergence raises
// the integrity alarm; the report is returned either way.
func (l *Ledger) Verify(from, to int64) (Report, error) {
	if from < 1 {
		from = 1
	}
	tail, err := l.store.LedgerTail()
	if errors.Is(err, storage.ErrNotFound) {
		return Report{From: from, To: 0, OK: true}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("reading ledger tail: %w", err)
	}
	if to <= 0 || to > tail.Seq {
		to = tail.Seq
	}
	rep := Report{From: from, To: to}
	if from > to {
		rep.OK = true
		return rep, nil
	}

	prev := Genesis
	if from > 1 {
		before, err := l.store.LedgerEntryAt(from - 1)
		if errors.Is(err, storage.ErrNotFound) {
			return l.diverged(rep, Divergence{Seq: from - 1, Kind: DivergenceGap, Expected: "present", Actual: "missing"})
		}
		if err != nil {
			return Report{}, err
		}
		prev = before.EntryHash
	}

	entries, err := l.store.LedgerRange(from, to)
	if err != nil {
		return Report{}, fmt.Errorf("reading ledger range: %w", err)
	}
	want := from
	for _, e := range entries {
		if e.Seq != want {
			return l.diverged(rep, Divergence{Seq: want, Kind: DivergenceGap,
				Expected: fmt.Sprint(want), Actual: fmt.Sprint(e.Seq)})
		}
		if d, bad := checkEntry(e, prev); bad {
			return l.diverged(rep, d)
		}
		prev = e.EntryHash
		want++
		rep.Checked++
	}
	if want <= to {
		return l.diverged(rep, Divergence{Seq: want, Kind: DivergenceGap, Expected: "present", Actual: "missing"})
	}
	rep.OK = true
	return rep, nil
}

// VerifyJob checks every entry of one job: its recomputed hash, its link to
// the preceding entry and the following entry's link to it.
func (l *Ledger) VerifyJob(jobID string) (Report, error) {
	entries, err := l.store.LedgerByJob(jobID)
	if err != nil {
		return Report{}, fmt.Errorf("reading entries for job %s: %w", jobID, err)
	}
	rep := Report{}
	if len(entries) == 0 {
		rep.OK = true
		return rep, nil
	}
	rep.From, rep.To = entries[0].Seq, entries[len(entries)-1].Seq

	for _, e := range entries {
		prev := Genesis
		if e.Seq > 1 {
			before, err := l.store.LedgerEntryAt(e.Seq - 1)
			if errors.Is(err, storage.ErrNotFound) {
				return l.diverged(rep, Divergence{Seq: e.Seq - 1, Kind: DivergenceGap, Expected: "present", Actual: "missing"})
			}
			if err != nil {
				return Report{}, err
			}
			prev = before.EntryHash
		}
		if d, bad := checkEntry(e, prev); bad {
			return l.diverged(rep, d)
		}
		next, err := l.store.LedgerEntryAt(e.Seq + 1)
		switch {
		case err == nil:
			if next.PrevHash != e.EntryHash {
				return l.diverged(rep, Divergence{Seq: next.Seq, Kind: DivergenceLink, Expected: e.EntryHash, Actual: next.PrevHash})
			}
		case !errors.Is(err, storage.ErrNotFound):
			return Report{}, err
		}
		rep.Checked++
	}
	rep.OK = true
	return rep, nil
}

func checkEntry(e storage.LedgerEntry, prev string) (Divergence, bool) {
	if e.PrevHash != prev {
		return Divergence{Seq: e.Seq, Kind: DivergenceLink, Expected: prev, Actual: e.PrevHash}, true
	}
	h, err := EntryHash(e)
	if err != nil || h != e.EntryHash {
		return Divergence{Seq: e.Seq, Kind: DivergenceEntryHash, Expected: h, Actual: e.EntryHash}, true
	}
	return Divergence{}, false
}

func (l *Ledger) diverged(rep Report, d Divergence) (Report, error) {
	rep.OK = false
	rep.Divergence = &d
	l.logger.Error("ledger divergence", "seq", d.Seq, "kind", d.Kind)
	if err := l.store.RaiseAlarm(AlarmIntegrity, d.String()); err != nil {
		l.logger.Error("raising integrity alarm", "error", err)
	}
	return rep, nil
}
