package jetwash

// Inbox files arrive in whatever dialect the upstream system produces, so
// the washer reads them with a configurable delimiter, quote and escape
// byte. (Output is always written in the engine's canonical dialect.)

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/config"
)

type delimReader struct {
	file      *os.File
	reader    *bufio.Reader
	comma     byte
	quote     byte
	escape    byte
	hasEscape bool
}

// newDelimReader opens an inbox file with the dialect the charter declares
// for its source pattern. Defaults: comma delimiter, double-quote, no escape.
func newDelimReader(path string, sourceFile *config.JetwashSourceFile) (*delimReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open csv %s", path)
	}

	r := &delimReader{file: file, reader: bufio.NewReader(file), comma: ',', quote: '"'}
	if sourceFile.Delimiter != "" {
		r.comma = sourceFile.Delimiter[0]
	}
	if sourceFile.Quote != "" {
		r.quote = sourceFile.Quote[0]
	}
	if sourceFile.Escape != "" {
		r.escape = sourceFile.Escape[0]
		r.hasEscape = true
	}
	return r, nil
}

// Read returns the next row, or io.EOF at the end of the file.
func (r *delimReader) Read() ([]string, error) {
	fields := []string{}
	var field []byte
	quoted := false
	readAnything := false

	for {
		b, err := r.reader.ReadByte()
		if err != nil {
			if err == io.EOF {
				if !readAnything {
					return nil, io.EOF
				}
				fields = append(fields, string(field))
				return fields, nil
			}
			return nil, err
		}
		readAnything = true

		if quoted {
			switch {
			case r.hasEscape && b == r.escape:
				next, err := r.reader.ReadByte()
				if err != nil {
					return nil, errors.New("escape at end of input")
				}
				field = append(field, next)
			case b == r.quote:
				// A doubled quote is a literal quote, otherwise close.
				next, err := r.reader.ReadByte()
				if err == nil && next == r.quote && !r.hasEscape {
					field = append(field, r.quote)
					continue
				}
				if err == nil {
					r.reader.UnreadByte()
				}
				quoted = false
			default:
				field = append(field, b)
			}
			continue
		}

		switch b {
		case r.comma:
			fields = append(fields, string(field))
			field = field[:0]
		case '\n':
			if len(field) > 0 && field[len(field)-1] == '\r' {
				field = field[:len(field)-1]
			}
			// Skip entirely blank lines.
			if len(fields) == 0 && len(field) == 0 {
				readAnything = false
				continue
			}
			fields = append(fields, string(field))
			return fields, nil
		case r.quote:
			if len(field) == 0 {
				quoted = true
			} else {
				field = append(field, b)
			}
		default:
			field = append(field, b)
		}
	}
}

func (r *delimReader) Close() error {
	return r.file.Close()
}
