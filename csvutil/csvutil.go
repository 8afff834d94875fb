package csvutil

// Thin wrappers around encoding/csv that track the byte and line position of
// every row (so records can be random-accessed later by seeking) and that
// quote every field on output (so the leading status byte of a row is always
// at a fixed offset).

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Position locates one row within a file. Line numbers are 1-based and
// include the header and schema rows, so the first data row is line 3.
type Position struct {
	Byte int64
	Line int
}

// Reader reads delimited rows sequentially, reporting the position of each,
// and can seek back to any previously reported position.
type Reader struct {
	file   *os.File
	reader *csv.Reader
	comma  rune
	line   int
}

// NewReader opens a positioned reader, skipping the first skipRows rows
// (pass 2 to skip the header and schema rows of a data file).
func NewReader(path string, skipRows int) (*Reader, error) {
	return NewReaderDelim(path, ',', skipRows)
}

func NewReaderDelim(path string, comma rune, skipRows int) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}

	r := &Reader{file: file, reader: newCsvReader(file, comma), comma: comma}
	for i := 0; i < skipRows; i++ {
		if _, _, err := r.Read(); err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "no row to skip in %s", path)
		}
	}
	return r, nil
}

func newCsvReader(file *os.File, comma rune) *csv.Reader {
	reader := csv.NewReader(file)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	return reader
}

// Read returns the next row and the position it started at, or io.EOF.
func (r *Reader) Read() ([]string, Position, error) {
	pos := Position{Byte: r.reader.InputOffset(), Line: r.line + 1}
	record, err := r.reader.Read()
	if err != nil {
		return nil, pos, err
	}
	r.line++
	return record, pos, nil
}

// Seek reads the single row at the position given. The sequential read
// state is discarded - a Seek-ing reader should only be used for Seeks.
func (r *Reader) Seek(pos Position) ([]string, error) {
	if _, err := r.file.Seek(pos.Byte, io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "failed to seek %s to %d", r.file.Name(), pos.Byte)
	}
	r.reader = newCsvReader(r.file, r.comma)
	record, err := r.reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s at offset %d", r.file.Name(), pos.Byte)
	}
	return record, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Writer writes delimited rows, quoting every field.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	sep  string
}

func NewWriter(path string) (*Writer, error) {
	return NewWriterDelim(path, ',')
}

func NewWriterDelim(path string, comma rune) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	return &Writer{file: file, buf: bufio.NewWriter(file), sep: string(comma)}, nil
}

// Write emits one row, every field quoted, terminated with \n.
func (w *Writer) Write(record []string) error {
	for idx, field := range record {
		if idx > 0 {
			if _, err := w.buf.WriteString(w.sep); err != nil {
				return err
			}
		}
		if _, err := w.buf.WriteString(quote(field)); err != nil {
			return err
		}
	}
	return w.buf.WriteByte('\n')
}

func (w *Writer) Flush() error {
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func quote(field string) string {
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}
