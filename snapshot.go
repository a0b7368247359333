package adminchat

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Snapshot is a parsed tabular snapshot.
type Snapshot struct {
	Headers []string
	Rows    []Message
	// Size is the number of bytes read or written.
	Size int64
}

// ImportSnapshot parses comma-separated text with a header line. Quoted
// fields may contain commas, newlines and doubled quotes. Attributes missing
// from a short record are set to "", and rows without a created_at value get
// now. A payload without a header or without any record is malformed.
func ImportSnapshot(r io.Reader, now time.Time) (*Snapshot, error) {
	cr := &countingReader{r: r}
	reader := csv.NewReader(cr)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: missing header", ErrImportMalformed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImportMalformed, err)
	}
	headers := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		headers[i] = strings.TrimSpace(h)
	}

	stamp := now.UTC().Format(time.RFC3339Nano)
	snap := &Snapshot{Headers: headers}
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrImportMalformed, err)
		}
		if blankRecord(rec) {
			continue
		}
		var row Row
		for i, h := range headers {
			if h == "" {
				continue
			}
			v := ""
			if i < len(rec) {
				v = rec[i]
			}
			row.Set(h, v)
		}
		if row.Value(AttrCreatedAt) == "" {
			row.Set(AttrCreatedAt, stamp)
		}
		snap.Rows = append(snap.Rows, Message{Row: row})
	}
	if len(snap.Rows) == 0 {
		return nil, fmt.Errorf("%w: header without rows", ErrImportMalformed)
	}
	snap.Size = cr.n
	return snap, nil
}

// ExportSnapshot writes msgs restricted to attrs, header first. Fields
// containing a comma, quote or newline are quoted.
func ExportSnapshot(w io.Writer, attrs []string, msgs []Message) (int64, error) {
	cw := &countingWriter{w: w}
	writer := csv.NewWriter(cw)
	if err := writer.Write(attrs); err != nil {
		return cw.n, err
	}
	rec := make([]string, len(attrs))
	for _, m := range msgs {
		for i, a := range attrs {
			rec[i] = m.Value(a)
		}
		if err := writer.Write(rec); err != nil {
			return cw.n, err
		}
	}
	writer.Flush()
	return cw.n, writer.Error()
}

func blankRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
