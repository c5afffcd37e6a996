package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/org/consentvault/pkg/models"
)

// Genesis is the HashPrev of the first entry in every subject chain.
const Genesis = "GENESIS"

var ErrCorruptChain = errors.New("audit chain corruption detected")

// ComputeHash links e to prev. NotaryRef is excluded: it is attached after
// the entry is durable.
func ComputeHash(prev string, e *models.AuditEntry) string {
	payload, _ := json.Marshal(e.Payload)
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.ID))
	_, _ = h.Write([]byte(fmt.Sprintf("|%d", e.Seq)))
	_, _ = h.Write([]byte("|" + e.Timestamp.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte("|" + string(e.Action) + "|" + e.ActorID + "|" + e.SubjectID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain recomputes a subject's chain from genesis and reports the
// first broken link.
func (l *Logger) VerifyChain(ctx context.Context, subjectID string) error {
	entries, err := l.store.SubjectChain(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("loading audit chain: %w", err)
	}
	prev := Genesis
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return fmt.Errorf("%w: subject %s expected seq %d, found %d", ErrCorruptChain, subjectID, i+1, e.Seq)
		}
		if e.HashPrev != prev {
			return fmt.Errorf("%w: subject %s seq %d does not link to its predecessor", ErrCorruptChain, subjectID, e.Seq)
		}
		if ComputeHash(prev, e) != e.HashCurr {
			return fmt.Errorf("%w: subject %s seq %d hash mismatch", ErrCorruptChain, subjectID, e.Seq)
		}
		prev = e.HashCurr
	}
	return nil
}
