package models

import (
	"encoding/json"
	"time"
)

const (
	// FieldTimestamp carries the record time in published payloads.
	FieldTimestamp = "Datetime"
	// FieldRecordNo carries the datalogger record number.
	FieldRecordNo = "RecNbr"
)

// Record is one row of a datalogger table.
type Record struct {
	Time   time.Time
	No     int64
	Fields map[string]any
}

// Payload renders the record for the bus. Field values must already be JSON
// encodable; the timestamp is written as RFC 3339 text.
func (r Record) Payload() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[FieldTimestamp] = r.Time.Format(time.RFC3339Nano)
	out[FieldRecordNo] = r.No
	return json.Marshal(out)
}

// Batches cuts time-ordered records into batches of about size records.
// Records sharing a timestamp always land in the same batch, so a batch may
// run past size.
func Batches(records []Record, size int) [][]Record {
	if size <= 0 {
		size = len(records)
	}
	var out [][]Record
	for len(records) > 0 {
		n := min(size, len(records))
		for n < len(records) && records[n].Time.Equal(records[n-1].Time) {
			n++
		}
		out = append(out, records[:n:n])
		records = records[n:]
	}
	return out
}

// TrailingRun returns the index where the final run of records sharing the
// last record's timestamp starts.
func TrailingRun(records []Record) int {
	i := len(records)
	for i > 0 && records[i-1].Time.Equal(records[len(records)-1].Time) {
		i--
	}
	return i
}
