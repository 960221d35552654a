// Package replay rebuilds projections from the ledger and checks that the
// rebuilt state matches what the kernel is serving.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/audit"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/ledger"
	"github.com/SeleneOSv1/Selene-OS-sub002/pkg/projection"
)

// ErrUnknownStream is returned for a stream with no committed events.
var ErrUnknownStream = errors.New("replay: unknown stream")

// Diagnostics answers operator questions about ledger streams, their
// projections and the audit trail.
type Diagnostics struct {
	store  ledger.Store
	proj   *projection.Engine
	audit  audit.Store
	logger *slog.Logger
}

// New wires diagnostics over the kernel's ledger, projection engine and audit
// store. auditStore may be nil when no trail is kept.
func New(store ledger.Store, proj *projection.Engine, auditStore audit.Store, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		store:  store,
		proj:   proj,
		audit:  auditStore,
		logger: logger.With("component", "replay"),
	}
}

// Report is the outcome of verifying one stream.
type Report struct {
	StreamID string `json:"stream_id"`
	Head     uint64 `json:"head"`
	Halted   bool   `json:"halted"`

	ChainValid bool   `json:"chain_valid"`
	ChainError string `json:"chain_error,omitempty"`

	// Digest is the projection digest of a fresh fold from sequence 1.
	Digest        string `json:"digest"`
	Records       int    `json:"records"`
	Deterministic bool   `json:"deterministic"`

	// LiveSeq is 0 when this process holds no live state for the stream.
	LiveSeq    uint64 `json:"live_seq"`
	LiveDigest string `json:"live_digest,omitempty"`
	Consistent bool   `json:"consistent"`
}

// OK reports whether nothing in the report needs operator attention. A
// stream with no live state in this process is judged on the ledger alone.
func (r Report) OK() bool {
	if !r.ChainValid || !r.Deterministic || r.Halted {
		return false
	}
	return r.LiveSeq == 0 || r.Consistent
}

// Streams lists ledger streams under prefix.
func (d *Diagnostics) Streams(ctx context.Context, prefix string) ([]string, error) {
	return d.store.Streams(ctx, prefix)
}

// Events returns the full stream.
func (d *Diagnostics) Events(ctx context.Context, streamID string) ([]ledger.Event, error) {
	events, err := d.store.Read(ctx, streamID, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return events, nil
}

// Rebuild replays streamID from sequence 1 and replaces the live projection.
func (d *Diagnostics) Rebuild(ctx context.Context, streamID string) (projection.Set, error) {
	head, err := d.store.Head(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	return d.proj.Rebuild(ctx, streamID)
}

// Verify checks the hash chain, folds the stream twice and compares both
// digests with each other and with the live projection.
func (d *Diagnostics) Verify(ctx context.Context, streamID string) (Report, error) {
	rep := Report{StreamID: streamID}

	events, err := d.Events(ctx, streamID)
	if err != nil {
		return rep, err
	}
	rep.Head = events[len(events)-1].SequenceNo
	if rep.Halted, err = d.store.Halted(ctx, streamID); err != nil {
		return rep, err
	}

	rep.ChainValid = true
	if err := ledger.VerifyChain(events); err != nil {
		rep.ChainValid = false
		rep.ChainError = err.Error()
	}

	first, err := d.proj.Replay(ctx, streamID)
	if err != nil {
		return rep, err
	}
	second, err := d.proj.Replay(ctx, streamID)
	if err != nil {
		return rep, err
	}
	if rep.Digest, err = first.Digest(); err != nil {
		return rep, err
	}
	again, err := second.Digest()
	if err != nil {
		return rep, err
	}
	rep.Records = len(first)
	rep.Deterministic = rep.Digest == again

	live, seq := d.proj.Snapshot(streamID)
	rep.LiveSeq = seq
	if seq > 0 {
		if rep.LiveDigest, err = live.Digest(); err != nil {
			return rep, err
		}
		rep.Consistent = seq == rep.Head && rep.LiveDigest == rep.Digest
	}

	if !rep.OK() {
		d.logger.WarnContext(ctx, "stream verification failed",
			"stream_id", streamID,
			"chain_valid", rep.ChainValid,
			"deterministic", rep.Deterministic,
			"live_seq", rep.LiveSeq,
			"head", rep.Head,
			"halted", rep.Halted,
		)
	}
	return rep, nil
}

// VerifyAll verifies every stream under prefix.
func (d *Diagnostics) VerifyAll(ctx context.Context, prefix string) ([]Report, error) {
	streams, err := d.store.Streams(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(streams))
	for _, s := range streams {
		rep, err := d.Verify(ctx, s)
		if err != nil {
			return out, fmt.Errorf("replay: verify %s: %w", s, err)
		}
		out = append(out, rep)
	}
	return out, nil
}

// AuditTrail returns the audit events of one correlation id in order.
func (d *Diagnostics) AuditTrail(ctx context.Context, correlationID string) ([]audit.Event, error) {
	if d.audit == nil {
		return nil, errors.New("replay: no audit store configured")
	}
	return d.audit.ByCorrelation(ctx, correlationID)
}

// Resume clears an integrity halt on streamID after the chain has been
// checked. It refuses to resume a stream whose stored chain is broken.
func (d *Diagnostics) Resume(ctx context.Context, streamID string) error {
	events, err := d.Events(ctx, streamID)
	if err != nil {
		return err
	}
	if err := ledger.VerifyChain(events); err != nil {
		return fmt.Errorf("replay: refusing to resume %s: %w", streamID, err)
	}
	if err := d.store.Resume(ctx, streamID); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "stream resumed", "stream_id", streamID, "head", events[len(events)-1].SequenceNo)
	return nil
}
