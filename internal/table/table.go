// Package table implements the port file format: one file per port holding a
// zstd-compressed stream of msgpack-encoded wire rows.
package table

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/animus-labs/dagflow/internal/domain"
	"github.com/animus-labs/dagflow/internal/rowcodec"
)

// FileExt is the extension of port files.
const FileExt = "rows"

// ContentType is advertised on PortData for port files.
const ContentType = "application/vnd.dagflow.rows+zstd"

var ErrClosed = errors.New("table closed")

// Writer appends rows to a port file. Row numbers start at zero and increase
// by one per row. A Writer is not safe for concurrent use.
type Writer struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
	zw      *zstd.Encoder
	enc     *msgpack.Encoder
	next    int64
	columns []domain.ColumnSpec
	seen    map[string]struct{}
	closed  bool
}

// Create truncates or creates the port file at path, creating parent
// directories as needed.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create table dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	buf := bufio.NewWriter(file)
	zw, err := zstd.NewWriter(buf)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &Writer{
		path: path,
		file: file,
		buf:  buf,
		zw:   zw,
		enc:  msgpack.NewEncoder(zw),
		seen: map[string]struct{}{},
	}, nil
}

func (w *Writer) Path() string { return w.path }

// Write encodes rec and appends it with the next row number.
func (w *Writer) Write(rec rowcodec.Record) error {
	if w.closed {
		return ErrClosed
	}
	wire, err := rowcodec.EncodeRecord(w.next, rec)
	if err != nil {
		return fmt.Errorf("row %d: %w", w.next, err)
	}
	if err := w.enc.Encode(&wire); err != nil {
		return fmt.Errorf("write row %d: %w", w.next, err)
	}
	for _, cell := range wire.Cells {
		if _, ok := w.seen[cell.Name]; ok {
			continue
		}
		w.seen[cell.Name] = struct{}{}
		w.columns = append(w.columns, domain.ColumnSpec{
			ColumnName:   cell.Name,
			DeclaredType: string(cell.ContentType),
		})
	}
	w.next++
	return nil
}

// WriteMap encodes a generic row.
func (w *Writer) WriteMap(row map[string]any) error {
	rec, err := rowcodec.RecordFromMap(row)
	if err != nil {
		return err
	}
	return w.Write(rec)
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.next }

// Columns returns the column layout inferred from the rows written, in
// first-seen order. The first content type seen for a column wins.
func (w *Writer) Columns() []domain.ColumnSpec {
	return append([]domain.ColumnSpec(nil), w.columns...)
}

// Close flushes buffered data and releases the file. Calling Close more than
// once is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if err := w.zw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close zstd: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}
	return errors.Join(errs...)
}

// Reader pulls rows from a port file one at a time.
type Reader struct {
	path   string
	file   *os.File
	zr     *zstd.Decoder
	dec    *msgpack.Decoder
	cur    rowcodec.WireRow
	rec    rowcodec.Record
	err    error
	done   bool
	closed bool
}

func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open table: %w", err)
	}
	zr, err := zstd.NewReader(bufio.NewReader(file))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &Reader{
		path: path,
		file: file,
		zr:   zr,
		dec:  msgpack.NewDecoder(zr),
	}, nil
}

func (r *Reader) Path() string { return r.path }

// Next advances to the next row. It returns false at end of file or on error;
// callers check Err afterwards.
func (r *Reader) Next() bool {
	if r.done || r.closed {
		return false
	}
	var wire rowcodec.WireRow
	if err := r.dec.Decode(&wire); err != nil {
		r.done = true
		if !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("read %s: %w", filepath.Base(r.path), err)
		}
		return false
	}
	rec, err := rowcodec.DecodeRecord(wire)
	if err != nil {
		r.done = true
		r.err = fmt.Errorf("row %d: %w", wire.RowNumber, err)
		return false
	}
	r.cur = wire
	r.rec = rec
	return true
}

// Record returns the row loaded by the last successful Next.
func (r *Reader) Record() rowcodec.Record { return r.rec }

// RowNumber returns the row number of the current row.
func (r *Reader) RowNumber() int64 { return r.cur.RowNumber }

func (r *Reader) Err() error { return r.err }

// Close releases the file. Calling Close more than once is a no-op.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.zr.Close()
	return r.file.Close()
}

// ReadAll drains a port file into memory.
func ReadAll(path string) ([]rowcodec.Record, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var out []rowcodec.Record
	for r.Next() {
		out = append(out, r.Record())
	}
	return out, r.Err()
}
