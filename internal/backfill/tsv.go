// Copyright (C) 2024 Zerocache, Inc.
// See LICENSE for copying information.

package backfill

import (
	"bytes"
	"strings"
)

// flushThresholdBytes is the default batching threshold: Postgres' own
// COPY chunk size (§4.G step 4).
const flushThresholdBytes = 64 * 1024

// unescapeCopyText reverses the backslash-escaping COPY's TEXT format
// applies to \b, \f, \n, \r, \t, \v, \\.
func unescapeCopyText(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// parseCopyLine splits one COPY TEXT output line (without its trailing
// newline) into field values, mapping the literal two-byte sequence `\N`
// to SQL NULL (represented as a nil interface value) and unescaping
// everything else.
func parseCopyLine(line []byte, columns []string) map[string]any {
	fields := bytes.Split(line, []byte{'\t'})
	row := make(map[string]any, len(columns))
	for i, name := range columns {
		if i >= len(fields) {
			row[name] = nil
			continue
		}
		f := fields[i]
		if len(f) == 2 && f[0] == '\\' && f[1] == 'N' {
			row[name] = nil
			continue
		}
		row[name] = unescapeCopyText(string(f))
	}
	return row
}

// lineBatcher accumulates raw COPY TO STDOUT bytes, splits them into
// complete lines, parses each into a row, and invokes flush once the
// accumulated batch exceeds flushThresholdBytes. It implements io.Writer
// so it can be passed directly as the destination of a COPY.
type lineBatcher struct {
	columns   []string
	flush     func(rows []map[string]any) error
	threshold int

	pending    bytes.Buffer
	batch      []map[string]any
	batchBytes int
}

func newLineBatcher(columns []string, flush func([]map[string]any) error) *lineBatcher {
	return &lineBatcher{columns: columns, flush: flush, threshold: flushThresholdBytes}
}

// Write implements io.Writer.
func (b *lineBatcher) Write(p []byte) (int, error) {
	n := len(p)
	b.pending.Write(p)

	for {
		buf := b.pending.Bytes()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), buf[:idx]...)
		b.pending.Next(idx + 1)

		b.batch = append(b.batch, parseCopyLine(line, b.columns))
		b.batchBytes += len(line)

		if b.batchBytes >= b.threshold {
			if err := b.flushBatch(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (b *lineBatcher) flushBatch() error {
	if len(b.batch) == 0 {
		return nil
	}
	batch := b.batch
	b.batch = nil
	b.batchBytes = 0
	return b.flush(batch)
}

// Close flushes any remaining partial batch. Callers must call Close after
// the COPY completes (there may be a trailing unflushed batch below the
// threshold).
func (b *lineBatcher) Close() error {
	return b.flushBatch()
}
