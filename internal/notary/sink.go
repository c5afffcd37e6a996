// Package notary submits audit entries to an external append-only ledger.
package notary

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// SequenceRef identifies an entry's position in the external ledger.
type SequenceRef string

// Sink accepts serialized audit entries. Implementations may be slow or
// unavailable; callers bound each Submit with a context deadline.
type Sink interface {
	Submit(ctx context.Context, entry []byte) (SequenceRef, error)
}

// HTTPSink posts entries to a ledger endpoint that answers with
// {"sequence_ref": "..."}.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSink) Submit(ctx context.Context, entry []byte) (SequenceRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(entry))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("notary request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("notary returned HTTP %d", resp.StatusCode)
	}

	var out struct {
		SequenceRef string `json:"sequence_ref"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding notary response: %w", err)
	}
	if out.SequenceRef == "" {
		return "", fmt.Errorf("notary response missing sequence_ref")
	}
	return SequenceRef(out.SequenceRef), nil
}

// LogSink writes a digest of each entry to the process log and hands back
// a local sequence number. Useful where no ledger is deployed.
type LogSink struct {
	seq atomic.Int64
}

func (s *LogSink) Submit(_ context.Context, entry []byte) (SequenceRef, error) {
	n := s.seq.Add(1)
	sum := sha256.Sum256(entry)
	log.Info().
		Int64("notary_seq", n).
		Str("entry_sha256", hex.EncodeToString(sum[:])).
		Msg("audit entry notarized")
	return SequenceRef(fmt.Sprintf("log:%d", n)), nil
}

// NopSink accepts everything and returns no reference.
type NopSink struct{}

func (NopSink) Submit(context.Context, []byte) (SequenceRef, error) { return "", nil }
