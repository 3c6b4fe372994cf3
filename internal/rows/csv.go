package rows

import (
	"encoding/csv"
	"fmt"
	"io"
)

// csvReader decodes comma-separated records. The first record is a header
// naming the columns.
type csvReader struct {
	reader *csv.Reader
	closer io.Closer
	path   string
	header []string
	record int
	done   bool
}

func newCSVReader(r io.Reader, closer io.Closer, path string) *csvReader {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false
	return &csvReader{reader: cr, closer: closer, path: path}
}

func (r *csvReader) Next(maxRows int) (*Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	if maxRows < 1 {
		maxRows = 1
	}

	if r.header == nil {
		header, err := r.reader.Read()
		if err == io.EOF {
			r.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s header: %w", r.path, err)
		}
		r.header = header
	}

	chunk := &Chunk{Path: r.path}
	for len(chunk.Rows) < maxRows {
		rec, err := r.reader.Read()
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s record %d: %w", r.path, r.record+1, err)
		}
		r.record++

		row := make(Row, len(r.header))
		for i, col := range r.header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		chunk.Rows = append(chunk.Rows, row)
		for _, field := range rec {
			chunk.Bytes += int64(len(field)) + 1
		}
	}

	if len(chunk.Rows) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (r *csvReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
