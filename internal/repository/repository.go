package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCorruptState is returned by Load when persisted state exists but
	// cannot be parsed.
	ErrCorruptState = errors.New("checkpoint state is corrupt")
	// ErrPersistence is returned by Save when the write did not complete.
	// The previously persisted state is still valid.
	ErrPersistence = errors.New("checkpoint state not persisted")
)

// CheckpointRepository persists the whole table set at once.
type CheckpointRepository interface {
	// Load returns ok=false without error when nothing was persisted yet.
	Load(ctx context.Context) (tables map[string]time.Time, ok bool, err error)
	Save(ctx context.Context, tables map[string]time.Time) error
	Close() error
}

type passIDKey struct{}

// WithPassID tags ctx with the pass that is saving, for backends that record it.
func WithPassID(ctx context.Context, passID string) context.Context {
	return context.WithValue(ctx, passIDKey{}, passID)
}

func PassIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(passIDKey{}).(string)
	return v
}

// naiveLayouts cover checkpoint files written without a zone offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func FormatTimestamp(ts time.Time) string {
	return ts.Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 and, for zone-less values, interprets
// them in loc.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// EncodeDocument renders the table set as a JSON object of RFC 3339 strings.
func EncodeDocument(tables map[string]time.Time) ([]byte, error) {
	doc := make(map[string]string, len(tables))
	for name, ts := range tables {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("empty table name")
		}
		doc[name] = FormatTimestamp(ts)
	}
	return json.MarshalIndent(doc, "", "  ")
}

func DecodeDocument(data []byte, loc *time.Location) (map[string]time.Time, error) {
	var doc map[string]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document is not an object", ErrCorruptState)
	}
	return DecodeValues(doc, loc)
}

func DecodeValues(doc map[string]string, loc *time.Location) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(doc))
	for name, raw := range doc {
		ts, err := ParseTimestamp(raw, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: table %s: %v", ErrCorruptState, name, err)
		}
		out[name] = ts
	}
	return out, nil
}
