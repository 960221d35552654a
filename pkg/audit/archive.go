package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sink receives archived audit bundles.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Archiver exports the audit trail of one correlation id as JSON lines.
type Archiver struct {
	store  Store
	sink   Sink
	prefix string
}

func NewArchiver(store Store, sink Sink, prefix string) *Archiver {
	return &Archiver{store: store, sink: sink, prefix: prefix}
}

// Export writes every event of correlationID to the sink and returns the
// object key and the number of events written.
func (a *Archiver) Export(ctx context.Context, correlationID string) (string, int, error) {
	if correlationID == "" || strings.ContainsAny(correlationID, `/\`) {
		return "", 0, fmt.Errorf("audit: invalid correlation id %q", correlationID)
	}
	events, err := a.store.ByCorrelation(ctx, correlationID)
	if err != nil {
		return "", 0, err
	}
	if len(events) == 0 {
		return "", 0, fmt.Errorf("audit: no events for %s", correlationID)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return "", 0, fmt.Errorf("audit: encode %s: %w", ev.EventID, err)
		}
	}
	key := a.prefix + correlationID + ".jsonl"
	if err := a.sink.Put(ctx, key, buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("audit: archive %s: %w", key, err)
	}
	return key, len(events), nil
}

// FileSink writes archives under a base directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create archive dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Put writes through a temp file and rename so readers never see a partial
// archive.
func (f *FileSink) Put(_ context.Context, key string, data []byte) error {
	path := filepath.Join(f.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
