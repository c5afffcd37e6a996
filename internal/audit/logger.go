package audit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/consentvault/internal/clock"
	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// AuditError reports that an entry could not be made durable. The operation
// that produced the entry must surface it to its caller.
type AuditError struct {
	Action models.AuditAction
	Err    error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit append %s: %v", e.Action, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }

var ErrInvalidCursor = errors.New("invalid audit cursor")

// Logger appends entries to the local audit log and hands them to the
// notarizer. Entries must never carry record content or key material.
type Logger struct {
	store     storage.StorageBackend
	clock     clock.Clock
	notarizer *Notarizer
	metrics   *metrics.Metrics
}

// NewLogger creates an audit Logger. notarizer and m may be nil.
func NewLogger(store storage.StorageBackend, clk clock.Clock, notarizer *Notarizer, m *metrics.Metrics) *Logger {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Logger{store: store, clock: clk, notarizer: notarizer, metrics: m}
}

// Append durably records an entry built from action, actor, subject and
// payload. Sequence number and hashes are assigned under the subject's
// chain lock. Notarization happens afterwards and never fails the append.
func (l *Logger) Append(ctx context.Context, in *models.AuditEntry) (*models.AuditEntry, error) {
	if in.SubjectID == "" || in.Action == "" {
		return nil, &AuditError{Action: in.Action, Err: errors.New("entry needs action and subject")}
	}

	// Postgres keeps microseconds; hash what will be stored.
	ts := l.clock.Now().UTC().Truncate(time.Microsecond)
	id := uuid.NewString()

	stored, err := l.store.AppendAudit(ctx, in.SubjectID, func(prevSeq int64, prevHash string) (*models.AuditEntry, error) {
		if prevHash == "" {
			prevHash = Genesis
		}
		e := &models.AuditEntry{
			ID:        id,
			Seq:       prevSeq + 1,
			Action:    in.Action,
			ActorID:   in.ActorID,
			SubjectID: in.SubjectID,
			Timestamp: ts,
			Payload:   in.Payload,
			HashPrev:  prevHash,
		}
		e.HashCurr = ComputeHash(prevHash, e)
		return e, nil
	})
	if err != nil {
		log.Error().Err(err).Str("action", string(in.Action)).Str("subject", in.SubjectID).Msg("audit append failed")
		return nil, &AuditError{Action: in.Action, Err: err}
	}

	l.metrics.AuditAppended(string(stored.Action))
	log.Debug().
		Str("action", string(stored.Action)).
		Str("subject", stored.SubjectID).
		Int64("seq", stored.Seq).
		Msg("audit entry appended")

	if l.notarizer != nil {
		l.notarizer.Enqueue(stored)
	}
	return stored, nil
}

// Record is shorthand for Append with the common fields.
func (l *Logger) Record(ctx context.Context, action models.AuditAction, actorID, subjectID string, payload map[string]any) (*models.AuditEntry, error) {
	return l.Append(ctx, &models.AuditEntry{
		Action:    action,
		ActorID:   actorID,
		SubjectID: subjectID,
		Payload:   payload,
	})
}

// Query selects entries matching the filter in ascending (timestamp, id) order.
type Query struct {
	ActorID   string
	SubjectID string
	Action    models.AuditAction
	Since     *time.Time
	Until     *time.Time
	Cursor    string
	Limit     int
}

// Page is one slice of a query result. NextCursor is empty on the last page.
type Page struct {
	Entries    []*models.AuditEntry `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Query returns one page. Pass Page.NextCursor back to resume.
func (l *Logger) Query(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	filter := storage.AuditFilter{
		ActorID:   q.ActorID,
		SubjectID: q.SubjectID,
		Action:    q.Action,
		Since:     q.Since,
		Until:     q.Until,
		Limit:     limit + 1,
	}
	if q.Cursor != "" {
		at, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		filter.AfterTime = &at
		filter.AfterID = id
	}

	entries, err := l.store.QueryAudit(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	page := &Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		last := page.Entries[limit-1]
		page.NextCursor = encodeCursor(last.Timestamp, last.ID)
	}
	return page, nil
}

// Scan walks every page of q, calling fn per entry until fn errors.
func (l *Logger) Scan(ctx context.Context, q Query, fn func(*models.AuditEntry) error) error {
	for {
		page, err := l.Query(ctx, q)
		if err != nil {
			return err
		}
		for _, e := range page.Entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		q.Cursor = page.NextCursor
	}
}

func encodeCursor(ts time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ts.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", ErrInvalidCursor
	}
	return at, id, nil
}
