// Package chain computes and verifies the hash linkage of case events.
// It is pure: no storage, no permissions, no clocks.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Genesis is the well-known prev hash for the first event of a case.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Seed is the subset of event fields covered by the chain fingerprint.
type Seed struct {
	CaseID    string
	Step      int
	Action    string
	Actor     string
	CreatedAt string
}

// Next returns the chain hash for an event given the previous event's hash.
// The same inputs always produce the same output; changing any ordered event
// invalidates every hash after it.
func Next(prev string, s Seed) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		prev,
		s.CaseID,
		strconv.Itoa(s.Step),
		s.Action,
		s.Actor,
		s.CreatedAt,
	}, "\n")))
	return hex.EncodeToString(h[:])
}

// Link is one stored event as seen by verification. Hash is empty for rows
// written before chaining was introduced.
type Link struct {
	Seed
	Hash string
}

// Report is the outcome of a chain walk. BrokenAt is the index of the first
// event whose recomputed hash diverges from the stored one, or -1.
type Report struct {
	OK       bool
	BrokenAt int
	Verified int
	Legacy   int
}

// Verify walks events in their stored order, recomputing every hash from the
// recorded fields and the previous stored hash. Legacy events (empty hash)
// are trusted checkpoints: they are skipped and the chain restarts from
// Genesis at the next hashed event.
func Verify(events []Link) Report {
	rep := Report{OK: true, BrokenAt: -1}
	prev := Genesis
	for i, ev := range events {
		if ev.Hash == "" {
			rep.Legacy++
			prev = Genesis
			continue
		}
		if Next(prev, ev.Seed) != ev.Hash {
			return Report{OK: false, BrokenAt: i, Verified: rep.Verified, Legacy: rep.Legacy}
		}
		rep.Verified++
		prev = ev.Hash
	}
	return rep
}
