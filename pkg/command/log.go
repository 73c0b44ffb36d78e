package command

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultMaxPayloadBytes caps a single entry's payload.
const DefaultMaxPayloadBytes = 64 * 1024

// Default per-author token bucket parameters.
const (
	DefaultBurst         = 100
	DefaultSustainPerSec = 10
)

// Rejection taxonomy. Every kind maps to exactly one metrics counter.
var (
	ErrPermissionDenied = errors.New("command: permission denied")
	ErrSignatureInvalid = errors.New("command: signature invalid")
	ErrReplayDetected   = errors.New("command: replay detected")
	ErrRateLimited      = errors.New("command: rate limited")
	ErrPayloadTooLarge  = errors.New("command: payload too large")
	ErrConflictRejected = errors.New("command: conflict rejected")
	ErrDuplicateID      = errors.New("command: duplicate id")
	ErrSerialization    = errors.New("command: serialization failed")
	ErrUnknownAuthor    = errors.New("command: unknown author")
)

// Config tunes a Log.
type Config struct {
	MaxPayloadBytes int
	Burst           int
	SustainPerSec   float64
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.SustainPerSec <= 0 {
		c.SustainPerSec = DefaultSustainPerSec
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type scopeKey struct {
	kind   ScopeKind
	index  uint32
	gen    uint32
	tool   uint64
}

func keyForScope(s Scope) scopeKey {
	switch s.Kind {
	case ScopeEntity:
		return scopeKey{kind: ScopeEntity, index: s.Entity.Index, gen: s.Entity.Generation}
	case ScopeTool:
		return scopeKey{kind: ScopeTool, tool: s.Tool}
	}
	return scopeKey{kind: ScopeGlobal}
}

// Log is the Lamport-ordered, signed, role-checked command log. It is
// single-owner: only the engine frame loop mutates it.
type Log struct {
	cfg      Config
	local    Author
	signer   Signer
	verifier Verifier

	clock   uint64
	authors map[uint64]Author

	entries map[ID]*Entry
	order   []ID // sorted ascending

	byScope map[scopeKey][]ID
	winners map[scopeKey]ID

	highWater map[uint64]uint64 // author -> highest accepted nonce
	limiters  map[uint64]*rate.Limiter

	metrics *Metrics
}

// NewLog creates a log for the local author. The verifier checks every
// integrated entry; the signer signs local appends.
func NewLog(local Author, signer Signer, verifier Verifier, metrics *Metrics, cfg Config) *Log {
	if metrics == nil {
		metrics = NewMetrics()
	}
	l := &Log{
		cfg:       cfg.withDefaults(),
		local:     local,
		signer:    signer,
		verifier:  verifier,
		authors:   make(map[uint64]Author),
		entries:   make(map[ID]*Entry),
		byScope:   make(map[scopeKey][]ID),
		winners:   make(map[scopeKey]ID),
		highWater: make(map[uint64]uint64),
		limiters:  make(map[uint64]*rate.Limiter),
		metrics:   metrics,
	}
	l.authors[local.ID] = local
	return l
}

// Metrics returns the log's metrics handle.
func (l *Log) Metrics() *Metrics { return l.metrics }

// Clock returns the current Lamport clock value.
func (l *Log) Clock() uint64 { return l.clock }

// Len returns the number of accepted entries.
func (l *Log) Len() int { return len(l.order) }

// LocalAuthor returns the local author identity.
func (l *Log) LocalAuthor() Author { return l.local }

// RegisterAuthor records a remote author's public key and role, as assigned
// during the transport handshake.
func (l *Log) RegisterAuthor(a Author) {
	l.authors[a.ID] = a
}

func (l *Log) limiter(author uint64) *rate.Limiter {
	lim, ok := l.limiters[author]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.SustainPerSec), l.cfg.Burst)
		l.limiters[author] = lim
	}
	return lim
}

// AppendLocal creates, signs, and inserts a local command. The Lamport clock
// increments by one and the nonce strictly exceeds the author's previous
// nonce. A rejection leaves clock and nonce untouched.
func (l *Log) AppendLocal(payload []byte, scope Scope, requiredRole Role, strategy ConflictStrategy) (ID, error) {
	if !l.local.Role.Allows(requiredRole) {
		l.metrics.permissionDenials.Add(1)
		return ID{}, fmt.Errorf("%w: local role %s below %s", ErrPermissionDenied, l.local.Role, requiredRole)
	}
	if len(payload) > l.cfg.MaxPayloadBytes {
		l.metrics.payloadGuardDrops.Add(1)
		return ID{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if !l.limiter(l.local.ID).AllowN(l.cfg.Now(), 1) {
		l.metrics.rateLimitDrops.Add(1)
		return ID{}, ErrRateLimited
	}

	entry := &Entry{
		ID:           ID{Lamport: l.clock + 1, Author: l.local.ID},
		Scope:        scope,
		Payload:      payload,
		RequiredRole: requiredRole,
		Strategy:     strategy,
		Nonce:        l.highWater[l.local.ID] + 1,
	}
	sig, err := l.signer.Sign(entry.SigningBytes())
	if err != nil {
		l.metrics.serializationDrops.Add(1)
		return ID{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	entry.Signature = sig

	if err := l.resolve(entry); err != nil {
		return ID{}, err
	}

	l.clock++
	l.highWater[l.local.ID] = entry.Nonce
	l.insert(entry)
	l.metrics.totalAppended.Add(1)
	return entry.ID, nil
}

// IntegrateRemote admits one remote entry through the full admission
// pipeline: signature, replay nonce, role, rate limit, payload size, then
// conflict resolution. A rejection at any step mutates no log state beyond
// its counter. The boolean reports whether the entry was newly inserted;
// a duplicate id is skipped silently with a false result and nil error.
func (l *Log) IntegrateRemote(entry *Entry) (bool, error) {
	author, known := l.authors[entry.ID.Author]
	if !known {
		l.metrics.permissionDenials.Add(1)
		return false, fmt.Errorf("%w: author %d", ErrUnknownAuthor, entry.ID.Author)
	}

	verifyStart := l.cfg.Now()
	ok := l.verifier.Verify(entry.SigningBytes(), entry.Signature, author.PublicKey)
	l.metrics.recordVerifyLatency(l.cfg.Now().Sub(verifyStart))
	if !ok {
		l.metrics.signatureFailures.Add(1)
		return false, fmt.Errorf("%w: entry %s", ErrSignatureInvalid, entry.ID)
	}

	if entry.Nonce <= l.highWater[entry.ID.Author] {
		l.metrics.replayRejections.Add(1)
		return false, fmt.Errorf("%w: nonce %d at or below high-water %d", ErrReplayDetected, entry.Nonce, l.highWater[entry.ID.Author])
	}

	if !author.Role.Allows(entry.RequiredRole) {
		l.metrics.permissionDenials.Add(1)
		return false, fmt.Errorf("%w: author role %s below %s", ErrPermissionDenied, author.Role, entry.RequiredRole)
	}

	if !l.limiter(entry.ID.Author).AllowN(l.cfg.Now(), 1) {
		l.metrics.rateLimitDrops.Add(1)
		return false, ErrRateLimited
	}

	if len(entry.Payload) > l.cfg.MaxPayloadBytes {
		l.metrics.payloadGuardDrops.Add(1)
		return false, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(entry.Payload))
	}

	if _, exists := l.entries[entry.ID]; exists {
		l.metrics.duplicateDrops.Add(1)
		return false, nil // idempotent integrate
	}

	if err := l.resolve(entry); err != nil {
		return false, err
	}

	if entry.ID.Lamport > l.clock {
		l.clock = entry.ID.Lamport
	}
	l.clock++
	l.highWater[entry.ID.Author] = entry.Nonce
	l.insert(entry)
	return true, nil
}

// IntegrateBatch integrates every entry of a batch, returning the accepted
// entries in total order for ECS application. Per-entry rejections are
// logged and counted without aborting the batch.
func (l *Log) IntegrateBatch(b *Batch) []*Entry {
	var accepted []*Entry
	for _, e := range b.Entries {
		applied, err := l.IntegrateRemote(e)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"system_name": "command_log",
				"entry":       e.ID.String(),
			}).WithError(err).Debug("entry rejected")
			continue
		}
		if applied {
			accepted = append(accepted, l.entries[e.ID])
		}
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].ID.Less(accepted[j].ID) })
	return accepted
}

// IntegratePacket decodes a serialized batch and integrates it.
func (l *Log) IntegratePacket(data []byte) ([]*Entry, error) {
	b, err := DecodeBatch(data)
	if err != nil {
		l.metrics.serializationDrops.Add(1)
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return l.IntegrateBatch(b), nil
}

// EntriesSince returns every accepted entry with id strictly greater than
// last, in total order. Late joiners use this for catch-up.
func (l *Log) EntriesSince(last ID) []*Entry {
	start := sort.Search(len(l.order), func(i int) bool { return last.Less(l.order[i]) })
	out := make([]*Entry, 0, len(l.order)-start)
	for _, id := range l.order[start:] {
		out = append(out, l.entries[id])
	}
	return out
}

// Winner returns the conflict-resolution winner for a non-Global scope.
func (l *Log) Winner(scope Scope) (ID, bool) {
	id, ok := l.winners[keyForScope(scope)]
	return id, ok
}

// Hash returns a digest of the ordered log contents. Two peers that accepted
// the same entries in any interleaving produce the same hash.
func (l *Log) Hash() [32]byte {
	h := sha256.New()
	for _, id := range l.order {
		h.Write(l.entries[id].SigningBytes())
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// resolve applies the incoming entry's conflict strategy against existing
// entries of overlapping scope. Returns ErrConflictRejected when the entry
// must not be inserted.
func (l *Log) resolve(incoming *Entry) error {
	if incoming.Scope.Kind == ScopeGlobal {
		return nil
	}
	sk := keyForScope(incoming.Scope)
	existing := l.byScope[sk]

	switch incoming.Strategy {
	case Reject:
		for _, id := range existing {
			if !incoming.ID.Less(id) { // id <= incoming
				l.metrics.recordConflict(Reject)
				return fmt.Errorf("%w: scope held by %s", ErrConflictRejected, id)
			}
		}
		l.winners[sk] = incoming.ID
	case LastWriteWins:
		winner, held := l.winners[sk]
		if held {
			l.metrics.recordConflict(LastWriteWins)
			if winner.Less(incoming.ID) {
				l.winners[sk] = incoming.ID
			}
		} else {
			l.winners[sk] = incoming.ID
		}
	case Merge:
		// Both entries are recorded; no conflict registered.
		if winner, held := l.winners[sk]; !held || winner.Less(incoming.ID) {
			l.winners[sk] = incoming.ID
		}
	}
	return nil
}

// insert places an accepted entry into the ordered log.
func (l *Log) insert(e *Entry) {
	l.entries[e.ID] = e
	i := sort.Search(len(l.order), func(i int) bool { return e.ID.Less(l.order[i]) })
	l.order = append(l.order, ID{})
	copy(l.order[i+1:], l.order[i:])
	l.order[i] = e.ID
	sk := keyForScope(e.Scope)
	if e.Scope.Kind != ScopeGlobal {
		l.byScope[sk] = append(l.byScope[sk], e.ID)
	}
}
