package datalogger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"crlogger/internal/models"
)

// Session is bound to one logger identity. The web API is stateless, so
// Close only marks the session as finished.
type Session struct {
	client *Client
	info   Info
	closed bool
}

func (s *Session) Info() Info {
	return s.info
}

func (s *Session) Serial() string {
	return s.info.Serial
}

func (s *Session) Clock() time.Time {
	return s.info.Clock
}

func (s *Session) ListTables(ctx context.Context) ([]string, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrDeviceUnavailable)
	}
	return s.client.browseTables(ctx)
}

// Fetch yields ordered batches of records of table with Time strictly
// after since. The sequence ends when the logger has no more records; a
// table with nothing new yields nothing. A non-nil error is the final value.
func (s *Session) Fetch(ctx context.Context, table string, since time.Time) iter.Seq2[[]models.Record, error] {
	return func(yield func([]models.Record, error) bool) {
		if s.closed {
			yield(nil, fmt.Errorf("%w: session closed", ErrDeviceUnavailable))
			return
		}
		params := url.Values{"mode": {"since-time"}, "p1": {s.client.formatSince(since)}}
		// Records tied with the last one of a page wait for the next page so
		// a run of equal timestamps is never split across batches.
		var carry []models.Record
		for {
			resp, err := s.client.dataQuery(ctx, table, params)
			if err != nil {
				yield(nil, err)
				return
			}
			records, err := s.client.decodeRecords(resp)
			if err != nil {
				yield(nil, fmt.Errorf("%w: table %s: %v", ErrDeviceUnavailable, table, err))
				return
			}
			lastNo := int64(-1)
			if n := len(resp.Data); n > 0 {
				lastNo = resp.Data[n-1].No
			}
			more := resp.More && lastNo >= 0

			records = slices.DeleteFunc(records, func(r models.Record) bool {
				return !r.Time.After(since)
			})
			records = append(carry, records...)
			carry = nil
			slices.SortStableFunc(records, func(a, b models.Record) int {
				return a.Time.Compare(b.Time)
			})
			if more {
				cut := models.TrailingRun(records)
				carry = slices.Clone(records[cut:])
				records = records[:cut]
			}
			for _, batch := range models.Batches(records, s.client.opts.BatchSize) {
				if !yield(batch, nil) {
					return
				}
			}

			if !more {
				return
			}
			params = url.Values{"mode": {"since-record"}, "p1": {formatRecordNo(lastNo + 1)}}
		}
	}
}

func (s *Session) Close() error {
	s.closed = true
	return nil
}

func (c *Client) decodeRecords(resp *dataResponse) ([]models.Record, error) {
	if resp == nil {
		return nil, nil
	}
	out := make([]models.Record, 0, len(resp.Data))
	for _, entry := range resp.Data {
		ts, err := c.parseTime(entry.Time)
		if err != nil {
			return nil, fmt.Errorf("record %d: %v", entry.No, err)
		}
		fields := make(map[string]any, len(entry.Vals))
		for i, raw := range entry.Vals {
			name := fmt.Sprintf("field_%d", i)
			if i < len(resp.Head.Fields) && strings.TrimSpace(resp.Head.Fields[i].Name) != "" {
				name = resp.Head.Fields[i].Name
			}
			v, err := decodeValue(raw)
			if err != nil {
				return nil, fmt.Errorf("record %d field %s: %v", entry.No, name, err)
			}
			fields[name] = v
		}
		out = append(out, models.Record{Time: ts, No: entry.No, Fields: fields})
	}
	return out, nil
}

// decodeValue keeps numbers exact: they go through decimal and come out as
// json.Number in canonical form.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeValue(v)
}

func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return nil, err
		}
		return json.Number(d.String()), nil
	case []any:
		for i := range t {
			n, err := normalizeValue(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
