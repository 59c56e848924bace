package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kalambet/scrubd/internal/storage"
)

// Domain prefixes. The version suffix leaves room for a future algorithm change.
const (
	DomainEntry   = "scrubd/ledger/entry/v1"
	DomainPayload = "scrubd/ledger/payload/v1"
)

// Genesis is the prev_entry_hash of the first entry.
var Genesis = strings.Repeat("0", 64)

// hashWithDomain returns hex(SHA-256(domain || 0x00 || data)).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash hashes event data. Payloads carry categories, counts, codes and
// hashes only, never document content.
func PayloadHash(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}
	return hashWithDomain(DomainPayload, b), nil
}

// canonicalEntry returns the canonical bytes of every hashed field of e.
func canonicalEntry(e storage.LedgerEntry) ([]byte, error) {
	return MarshalCanonical(map[string]any{
		"seq":             e.Seq,
		"job_id":          e.JobID,
		"event_type":      e.EventType,
		"payload_hash":    e.PayloadHash,
		"timestamp_utc":   storage.FormatTime(e.Timestamp),
		"prev_entry_hash": e.PrevHash,
	})
}

// EntryHash computes the chained hash of e. EntryHash itself is not an input.
func EntryHash(e storage.LedgerEntry) (string, error) {
	b, err := canonicalEntry(e)
	if err != nil {
		return "", fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	return hashWithDomain(DomainEntry, b), nil
}
