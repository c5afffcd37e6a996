package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/consentvault/internal/clock"
	"github.com/org/consentvault/internal/notary"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLogger(store storage.StorageBackend, n *Notarizer) (*Logger, *clock.Fixed) {
	clk := clock.NewFixed(t0)
	return NewLogger(store, clk, n, nil), clk
}

func TestAppendChainsPerSubject(t *testing.T) {
	store := storage.NewMemoryBackend()
	l, clk := newTestLogger(store, nil)
	ctx := context.Background()

	first, err := l.Record(ctx, models.ActionRecordCreated, "alice", "alice", map[string]any{"record_id": "r1"})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != Genesis || first.Seq != 1 || first.HashCurr == "" {
		t.Fatalf("unexpected first entry: %+v", first)
	}

	clk.Advance(time.Second)
	other, _ := l.Record(ctx, models.ActionRecordCreated, "carol", "carol", nil)
	if other.Seq != 1 || other.HashPrev != Genesis {
		t.Errorf("chains must be per subject: %+v", other)
	}

	second, err := l.Record(ctx, models.ActionRecordRead, "bob", "alice", map[string]any{"record_id": "r1"})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Seq != 2 || second.HashPrev != first.HashCurr {
		t.Fatalf("expected chain link, got seq=%d prev=%s", second.Seq, second.HashPrev)
	}

	if err := l.VerifyChain(ctx, "alice"); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	store := storage.NewMemoryBackend()
	l, _ := newTestLogger(store, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		e, _ := l.Record(ctx, models.ActionRecordRead, "bob", "alice", map[string]any{"n": i})
		ids = append(ids, e.ID)
	}
	store.TamperAudit(ids[1], func(e *models.AuditEntry) { e.ActorID = "mallory" })

	if err := l.VerifyChain(ctx, "alice"); !errors.Is(err, ErrCorruptChain) {
		t.Errorf("expected ErrCorruptChain, got %v", err)
	}
}

func TestNotaryRefDoesNotBreakChain(t *testing.T) {
	store := storage.NewMemoryBackend()
	l, _ := newTestLogger(store, nil)
	ctx := context.Background()

	e, _ := l.Record(ctx, models.ActionGrantIssued, "alice", "alice", nil)
	if err := store.AttachNotaryRef(ctx, e.ID, "ledger-1"); err != nil {
		t.Fatal(err)
	}
	if err := l.VerifyChain(ctx, "alice"); err != nil {
		t.Errorf("VerifyChain after notary ref: %v", err)
	}
}

type failingStore struct {
	*storage.MemoryBackend
}

func (failingStore) AppendAudit(context.Context, string, storage.AuditBuilder) (*models.AuditEntry, error) {
	return nil, errors.New("disk full")
}

func TestAppendFailureIsAuditError(t *testing.T) {
	l, _ := newTestLogger(failingStore{storage.NewMemoryBackend()}, nil)
	_, err := l.Record(context.Background(), models.ActionRecordRead, "bob", "alice", nil)
	var ae *AuditError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AuditError, got %v", err)
	}
	if ae.Action != models.ActionRecordRead {
		t.Errorf("action = %s", ae.Action)
	}
}

func TestQueryPagination(t *testing.T) {
	store := storage.NewMemoryBackend()
	l, clk := newTestLogger(store, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = l.Record(ctx, models.ActionRecordRead, "bob", "alice", map[string]any{"n": i})
		clk.Advance(time.Second)
	}
	_, _ = l.Record(ctx, models.ActionGrantRevoked, "alice", "alice", nil)

	page, err := l.Query(ctx, Query{ActorID: "bob", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %d entries, cursor %q", len(page.Entries), page.NextCursor)
	}

	var seen []int64
	err = l.Scan(ctx, Query{ActorID: "bob", Limit: 2}, func(e *models.AuditEntry) error {
		seen = append(seen, e.Seq)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 5 {
		t.Fatalf("scan visited %d entries, want 5", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("entries out of order: %v", seen)
		}
	}

	since := t0.Add(2 * time.Second)
	until := t0.Add(4 * time.Second)
	ranged, _ := l.Query(ctx, Query{SubjectID: "alice", Action: models.ActionRecordRead, Since: &since, Until: &until})
	if len(ranged.Entries) != 2 {
		t.Errorf("time range returned %d entries, want 2", len(ranged.Entries))
	}

	if _, err := l.Query(ctx, Query{Cursor: "!!bad"}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (s *recordingSink) Submit(ctx context.Context, _ []byte) (notary.SequenceRef, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return notary.SequenceRef(fmt.Sprintf("ref-%d", n)), nil
}

func TestNotarizerAttachesReference(t *testing.T) {
	store := storage.NewMemoryBackend()
	sink := &recordingSink{}
	n := NewNotarizer(sink, store, NotarizerConfig{QueueSize: 8, Workers: 1, Timeout: time.Second}, nil)
	n.Start(context.Background())
	l, _ := newTestLogger(store, n)

	e, err := l.Record(context.Background(), models.ActionRecordCreated, "alice", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	n.Stop()

	chain, _ := store.SubjectChain(context.Background(), "alice")
	if len(chain) != 1 || chain[0].ID != e.ID || chain[0].NotaryRef != "ref-1" {
		t.Errorf("notary ref not attached: %+v", chain)
	}
}

func TestNotarizerFailureNeverFailsAppend(t *testing.T) {
	store := storage.NewMemoryBackend()
	failing := &recordingSink{err: errors.New("ledger down")}
	slow := &recordingSink{delay: time.Second}

	for _, sink := range []*recordingSink{failing, slow} {
		n := NewNotarizer(sink, store, NotarizerConfig{QueueSize: 8, Workers: 1, Timeout: 20 * time.Millisecond}, nil)
		n.Start(context.Background())
		l, _ := newTestLogger(store, n)

		start := time.Now()
		if _, err := l.Record(context.Background(), models.ActionRecordRead, "bob", "alice", nil); err != nil {
			t.Fatalf("append must succeed despite sink: %v", err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("append blocked on notarization")
		}
		n.Stop()
	}

	chain, _ := store.SubjectChain(context.Background(), "alice")
	for _, e := range chain {
		if e.NotaryRef != "" {
			t.Errorf("failed notarization must not attach a ref: %+v", e)
		}
	}
}

func TestNotarizerDropsWhenFull(t *testing.T) {
	store := storage.NewMemoryBackend()
	n := NewNotarizer(&recordingSink{}, store, NotarizerConfig{QueueSize: 1, Workers: 1, Timeout: time.Second}, nil)
	// Not started: the queue fills after one entry and further appends must not block.
	l, _ := newTestLogger(store, n)
	for i := 0; i < 3; i++ {
		if _, err := l.Record(context.Background(), models.ActionRecordRead, "bob", "alice", nil); err != nil {
			t.Fatal(err)
		}
	}
	n.Stop()
}

func TestNotarizerDrainsQueueAfterCancel(t *testing.T) {
	store := storage.NewMemoryBackend()
	sink := &recordingSink{delay: 10 * time.Millisecond}
	n := NewNotarizer(sink, store, NotarizerConfig{QueueSize: 8, Workers: 1, Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	l, _ := newTestLogger(store, n)

	const entries = 4
	for i := 0; i < entries; i++ {
		if _, err := l.Record(context.Background(), models.ActionRecordRead, "bob", "alice", nil); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	n.Stop()

	chain, _ := store.SubjectChain(context.Background(), "alice")
	if len(chain) != entries {
		t.Fatalf("chain length = %d, want %d", len(chain), entries)
	}
	for _, e := range chain {
		if e.NotaryRef == "" {
			t.Errorf("entry %s queued before shutdown was not notarized", e.ID)
		}
	}
}
