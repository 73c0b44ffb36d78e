package command

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/jvastola/theta/pkg/engine"
)

// fixedClock returns a Now func pinned to a settable instant, so token
// buckets see no refill unless the test advances time.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLog(t *testing.T, authorID uint64, role Role) (*Log, *Ed25519Signer) {
	t.Helper()
	signer, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	author := Author{ID: authorID, PublicKey: pub, Role: role}
	log := NewLog(author, signer, Ed25519Verifier{}, NewMetrics(), Config{})
	return log, signer
}

// signedEntry builds and signs a remote entry for tests.
func signedEntry(t *testing.T, signer Signer, id ID, scope Scope, nonce uint64, strategy ConflictStrategy, payload []byte) *Entry {
	t.Helper()
	e := &Entry{
		ID:       id,
		Scope:    scope,
		Payload:  payload,
		Strategy: strategy,
		Nonce:    nonce,
	}
	sig, err := signer.Sign(e.SigningBytes())
	if err != nil {
		t.Fatal(err)
	}
	e.Signature = sig
	return e
}

func TestLog_AppendLocal(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleEditor)

	id1, err := log.AppendLocal([]byte("grab"), GlobalScope(), RoleEditor, Merge)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := log.AppendLocal([]byte("move"), GlobalScope(), RoleViewer, Merge)
	if err != nil {
		t.Fatal(err)
	}

	if !id1.Less(id2) {
		t.Errorf("ids not increasing: %s then %s", id1, id2)
	}
	if log.Len() != 2 {
		t.Errorf("log length = %d, want 2", log.Len())
	}
	if m := log.Metrics().Snapshot(); m.TotalAppended != 2 {
		t.Errorf("total appended = %d, want 2", m.TotalAppended)
	}
}

func TestLog_PermissionDenied(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleViewer)

	_, err := log.AppendLocal([]byte("delete"), GlobalScope(), RoleAdmin, Merge)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v, want ErrPermissionDenied", err)
	}
	if log.Len() != 0 {
		t.Error("rejected entry mutated log")
	}
	if log.Clock() != 0 {
		t.Error("rejected entry advanced clock")
	}
	if m := log.Metrics().Snapshot(); m.PermissionDenials != 1 {
		t.Errorf("permission denials = %d, want 1", m.PermissionDenials)
	}
}

func TestLog_PayloadGuard(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleAdmin)

	oversized := bytes.Repeat([]byte{'x'}, DefaultMaxPayloadBytes+1)
	_, err := log.AppendLocal(oversized, GlobalScope(), RoleViewer, Merge)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("got %v, want ErrPayloadTooLarge", err)
	}
	if m := log.Metrics().Snapshot(); m.PayloadGuardDrops != 1 {
		t.Errorf("payload guard drops = %d, want 1", m.PayloadGuardDrops)
	}
}

func TestLog_NonceMonotonic(t *testing.T) {
	// P6: accepted nonces strictly increase; the clock never decreases.
	log, _ := newTestLog(t, 1, RoleEditor)

	var lastNonce uint64
	var lastClock uint64
	for i := 0; i < 20; i++ {
		id, err := log.AppendLocal([]byte("op"), GlobalScope(), RoleViewer, Merge)
		if err != nil {
			t.Fatal(err)
		}
		e := log.EntriesSince(ID{})[log.Len()-1]
		if e.ID != id {
			t.Fatalf("tail entry %s, want %s", e.ID, id)
		}
		if e.Nonce <= lastNonce {
			t.Fatalf("nonce %d not above previous %d", e.Nonce, lastNonce)
		}
		lastNonce = e.Nonce
		if log.Clock() < lastClock {
			t.Fatalf("clock decreased: %d after %d", log.Clock(), lastClock)
		}
		lastClock = log.Clock()
	}
}

func TestLog_ReplayRejection(t *testing.T) {
	// Scenario 4: re-submitting an already accepted nonce is rejected.
	remote, remoteSigner := newTestLog(t, 7, RoleEditor)
	local, _ := newTestLog(t, 1, RoleEditor)
	local.RegisterAuthor(remote.LocalAuthor())

	var packets [][]byte
	for i := 0; i < 3; i++ {
		pipeline := NewPipeline(remote)
		if _, err := pipeline.Append([]byte("op"), GlobalScope(), RoleViewer, Merge); err != nil {
			t.Fatal(err)
		}
		frames := pipeline.DrainPackets()
		if len(frames) != 1 {
			t.Fatalf("drained %d frames, want 1", len(frames))
		}
		packets = append(packets, frames[0].Payload)
	}
	_ = remoteSigner

	for _, p := range packets {
		if _, err := local.IntegratePacket(p); err != nil {
			t.Fatal(err)
		}
	}
	if local.Len() != 3 {
		t.Fatalf("log length = %d, want 3", local.Len())
	}

	// Re-submit the packet containing nonce 2.
	accepted, err := local.IntegratePacket(packets[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 0 {
		t.Errorf("replayed packet applied %d entries", len(accepted))
	}
	if local.Len() != 3 {
		t.Error("log changed after replay")
	}
	if m := local.Metrics().Snapshot(); m.ReplayRejections != 1 {
		t.Errorf("replay rejections = %d, want 1", m.ReplayRejections)
	}
}

func TestLog_RateLimit(t *testing.T) {
	// Scenario 5: burst 100, sustain 10/s; 150 instant appends accept 100.
	clock := &fixedClock{t: time.Unix(1000, 0)}
	signer, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	author := Author{ID: 1, PublicKey: pub, Role: RoleEditor}
	log := NewLog(author, signer, Ed25519Verifier{}, NewMetrics(), Config{Now: clock.now})

	var accepted, rejected int
	for i := 0; i < 150; i++ {
		_, err := log.AppendLocal([]byte("op"), GlobalScope(), RoleViewer, Merge)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrRateLimited):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if accepted != 100 {
		t.Errorf("accepted = %d, want 100", accepted)
	}
	if rejected != 50 {
		t.Errorf("rejected = %d, want 50", rejected)
	}
	if m := log.Metrics().Snapshot(); m.RateLimitDrops != 50 {
		t.Errorf("rate limit drops = %d, want 50", m.RateLimitDrops)
	}

	// A rate-limited append advances neither clock nor nonce: the next
	// accepted entry continues the sequence.
	clock.advance(time.Second)
	id, err := log.AppendLocal([]byte("op"), GlobalScope(), RoleViewer, Merge)
	if err != nil {
		t.Fatal(err)
	}
	if id.Lamport != 101 {
		t.Errorf("lamport = %d, want 101", id.Lamport)
	}
	tail := log.EntriesSince(ID{})[log.Len()-1]
	if tail.Nonce != 101 {
		t.Errorf("nonce = %d, want 101", tail.Nonce)
	}
}

func TestLog_LastWriteWinsConflict(t *testing.T) {
	// Scenario 6: greater CommandId wins; the conflict is counted once.
	log, _ := newTestLog(t, 1, RoleAdmin)

	s1, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	s2, pub2, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	log.RegisterAuthor(Author{ID: 11, PublicKey: pub1, Role: RoleEditor})
	log.RegisterAuthor(Author{ID: 12, PublicKey: pub2, Role: RoleEditor})

	target := engine.Handle{Index: 7, Generation: 0}
	e1 := signedEntry(t, s1, ID{Lamport: 5, Author: 11}, EntityScope(target), 1, LastWriteWins, []byte("set-a"))
	e2 := signedEntry(t, s2, ID{Lamport: 4, Author: 12}, EntityScope(target), 1, LastWriteWins, []byte("set-b"))

	tests := []struct {
		name  string
		order []*Entry
	}{
		{"e1 first", []*Entry{e1, e2}},
		{"e2 first", []*Entry{e2, e1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _ := newTestLog(t, 1, RoleAdmin)
			log.RegisterAuthor(Author{ID: 11, PublicKey: pub1, Role: RoleEditor})
			log.RegisterAuthor(Author{ID: 12, PublicKey: pub2, Role: RoleEditor})

			for _, e := range tt.order {
				if _, err := log.IntegrateRemote(e); err != nil {
					t.Fatal(err)
				}
			}

			if log.Len() != 2 {
				t.Errorf("log length = %d, want 2 (both recorded)", log.Len())
			}
			winner, ok := log.Winner(EntityScope(target))
			if !ok || winner != e1.ID {
				t.Errorf("winner = %v ok=%v, want %s", winner, ok, e1.ID)
			}
			if m := log.Metrics().Snapshot(); m.ConflictRejections[LastWriteWins] != 1 {
				t.Errorf("conflict count = %d, want 1", m.ConflictRejections[LastWriteWins])
			}
		})
	}
}

func TestLog_RejectStrategy(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleAdmin)

	s1, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	s2, pub2, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	log.RegisterAuthor(Author{ID: 11, PublicKey: pub1, Role: RoleEditor})
	log.RegisterAuthor(Author{ID: 12, PublicKey: pub2, Role: RoleEditor})

	target := engine.Handle{Index: 3, Generation: 0}
	older := signedEntry(t, s1, ID{Lamport: 2, Author: 11}, EntityScope(target), 1, Reject, []byte("hold"))
	newer := signedEntry(t, s2, ID{Lamport: 6, Author: 12}, EntityScope(target), 1, Reject, []byte("steal"))

	if _, err := log.IntegrateRemote(older); err != nil {
		t.Fatal(err)
	}
	_, err = log.IntegrateRemote(newer)
	if !errors.Is(err, ErrConflictRejected) {
		t.Fatalf("got %v, want ErrConflictRejected", err)
	}
	if log.Len() != 1 {
		t.Errorf("log length = %d, want 1", log.Len())
	}
	if m := log.Metrics().Snapshot(); m.ConflictRejections[Reject] != 1 {
		t.Errorf("conflict count = %d, want 1", m.ConflictRejections[Reject])
	}
}

func TestLog_MergeKeepsBoth(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleAdmin)

	s1, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	log.RegisterAuthor(Author{ID: 11, PublicKey: pub1, Role: RoleEditor})

	target := engine.Handle{Index: 9, Generation: 0}
	a := signedEntry(t, s1, ID{Lamport: 1, Author: 11}, EntityScope(target), 1, Merge, []byte("stroke-a"))
	b := signedEntry(t, s1, ID{Lamport: 2, Author: 11}, EntityScope(target), 2, Merge, []byte("stroke-b"))

	if _, err := log.IntegrateRemote(a); err != nil {
		t.Fatal(err)
	}
	if _, err := log.IntegrateRemote(b); err != nil {
		t.Fatal(err)
	}
	if log.Len() != 2 {
		t.Errorf("log length = %d, want 2", log.Len())
	}
	if m := log.Metrics().Snapshot(); m.ConflictRejections[Merge] != 0 {
		t.Errorf("merge registered a conflict: %d", m.ConflictRejections[Merge])
	}
}

func TestLog_SignatureInvalid(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleAdmin)
	s1, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	log.RegisterAuthor(Author{ID: 11, PublicKey: pub1, Role: RoleEditor})

	e := signedEntry(t, s1, ID{Lamport: 1, Author: 11}, GlobalScope(), 1, Merge, []byte("op"))
	e.Signature[0] ^= 0x01

	_, err = log.IntegrateRemote(e)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("got %v, want ErrSignatureInvalid", err)
	}
	if m := log.Metrics().Snapshot(); m.SignatureFailures != 1 {
		t.Errorf("signature failures = %d, want 1", m.SignatureFailures)
	}
}

func TestLog_DuplicateIDSilent(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleAdmin)
	s1, pub1, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	log.RegisterAuthor(Author{ID: 11, PublicKey: pub1, Role: RoleEditor})

	// Same id, fresh nonce: skipped silently, no error.
	a := signedEntry(t, s1, ID{Lamport: 1, Author: 11}, GlobalScope(), 1, Merge, []byte("op"))
	dup := signedEntry(t, s1, ID{Lamport: 1, Author: 11}, GlobalScope(), 9, Merge, []byte("op2"))

	if _, err := log.IntegrateRemote(a); err != nil {
		t.Fatal(err)
	}
	applied, err := log.IntegrateRemote(dup)
	if err != nil {
		t.Fatalf("duplicate integrate errored: %v", err)
	}
	if applied {
		t.Error("duplicate reported as applied")
	}
	if log.Len() != 1 {
		t.Errorf("log length = %d, want 1", log.Len())
	}
	if m := log.Metrics().Snapshot(); m.DuplicateDrops != 1 {
		t.Errorf("duplicate drops = %d, want 1", m.DuplicateDrops)
	}
}

func TestLog_EntriesSince(t *testing.T) {
	log, _ := newTestLog(t, 1, RoleEditor)

	var ids []ID
	for i := 0; i < 5; i++ {
		id, err := log.AppendLocal([]byte("op"), GlobalScope(), RoleViewer, Merge)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	since := log.EntriesSince(ids[2])
	if len(since) != 2 {
		t.Fatalf("entries since = %d, want 2", len(since))
	}
	if since[0].ID != ids[3] || since[1].ID != ids[4] {
		t.Errorf("entries since = %s, %s; want %s, %s", since[0].ID, since[1].ID, ids[3], ids[4])
	}

	all := log.EntriesSince(ID{})
	if len(all) != 5 {
		t.Errorf("all entries = %d, want 5", len(all))
	}
}

func TestLog_ConvergentHash(t *testing.T) {
	// Scenario 8 (reduced): peers integrating the same entries in different
	// interleavings converge to the same log hash.
	makeAuthors := func(t *testing.T) ([]*Log, []Author) {
		var logs []*Log
		var authors []Author
		for i := uint64(1); i <= 3; i++ {
			log, _ := newTestLog(t, i, RoleEditor)
			logs = append(logs, log)
			authors = append(authors, log.LocalAuthor())
		}
		for _, l := range logs {
			for _, a := range authors {
				l.RegisterAuthor(a)
			}
		}
		return logs, authors
	}

	logs, _ := makeAuthors(t)

	// Each peer issues commands and broadcasts packets.
	var packets [][]byte
	for _, l := range logs {
		pipeline := NewPipeline(l)
		for i := 0; i < 40; i++ {
			if _, err := pipeline.Append([]byte("op"), EntityScope(engine.Handle{Index: uint32(i % 4)}), RoleViewer, LastWriteWins); err != nil {
				t.Fatal(err)
			}
		}
		frames := pipeline.DrainPackets()
		for _, f := range frames {
			packets = append(packets, f.Payload)
		}
	}

	// Peer 0 integrates in order, peer 1 in reverse.
	for _, p := range packets {
		if _, err := logs[0].IntegratePacket(p); err != nil {
			t.Fatal(err)
		}
	}
	for i := len(packets) - 1; i >= 0; i-- {
		if _, err := logs[1].IntegratePacket(packets[i]); err != nil {
			t.Fatal(err)
		}
	}

	if logs[0].Hash() != logs[1].Hash() {
		t.Error("log hashes diverged across interleavings")
	}

	// P14: winner sets agree.
	for i := uint32(0); i < 4; i++ {
		w0, ok0 := logs[0].Winner(EntityScope(engine.Handle{Index: i}))
		w1, ok1 := logs[1].Winner(EntityScope(engine.Handle{Index: i}))
		if ok0 != ok1 || w0 != w1 {
			t.Errorf("scope %d winners diverged: %v/%v vs %v/%v", i, w0, ok0, w1, ok1)
		}
	}
}
