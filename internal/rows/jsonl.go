package rows

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// jsonlReader decodes newline-delimited JSON objects.
type jsonlReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	path    string
	line    int
	done    bool
}

func newJSONLReader(r io.Reader, closer io.Closer, path string) *jsonlReader {
	scanner := bufio.NewScanner(r)
	// Long rows happen; default token size is too small.
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &jsonlReader{scanner: scanner, closer: closer, path: path}
}

func (r *jsonlReader) Next(maxRows int) (*Chunk, error) {
	if r.done {
		return nil, io.EOF
	}
	if maxRows < 1 {
		maxRows = 1
	}

	chunk := &Chunk{Path: r.path}
	for len(chunk.Rows) < maxRows {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read %s line %d: %w", r.path, r.line+1, err)
			}
			r.done = true
			break
		}
		r.line++
		raw := r.scanner.Bytes()
		chunk.Bytes += int64(len(raw)) + 1
		if len(raw) == 0 {
			continue
		}

		var row Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", r.path, r.line, err)
		}
		chunk.Rows = append(chunk.Rows, row)
	}

	if len(chunk.Rows) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

func (r *jsonlReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
