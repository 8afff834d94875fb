package matching

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
)

// UnmatchedHandler manages the residual files for the current job. Creating
// the handler creates an unmatched file for each data file sourced into the
// grid; files that receive no records are deleted at the end of the job.
type UnmatchedHandler struct {
	files map[string]*UnmatchedFile // Keyed by ORIGINAL filename.
	order []string
}

// UnmatchedFile is a residual file potentially being written this job.
type UnmatchedFile struct {
	rows         int
	path         string
	fullFilename string // e.g. 20211126_072400000_invoices.unmatched.csv
	writer       *csvutil.Writer
}

func (uf *UnmatchedFile) Rows() int        { return uf.rows }
func (uf *UnmatchedFile) Filename() string { return uf.fullFilename }

// UnmatchedFileNotInHandlerError - a record's file had no residual writer.
type UnmatchedFileNotInHandlerError struct {
	Filename string
}

func (e *UnmatchedFileNotInHandlerError) Error() string {
	return fmt.Sprintf("unmatched file %s was not found in the unmatched handler", e.Filename)
}

// NewUnmatchedHandler creates one .inprogress residual file per sourced
// data file, with the header and type rows already written. Residual files
// keep the source file's timestamp and shortname.
func NewUnmatchedHandler(ctx *job.Context, g *grid.Grid) (*UnmatchedHandler, error) {
	handler := &UnmatchedHandler{files: map[string]*UnmatchedFile{}}

	for _, file := range g.Schema().Files() {
		if _, ok := handler.files[file.Filename()]; ok {
			continue
		}

		outputPath := ctx.Folders().NewUnmatchedFile(file.Timestamp(), file.Shortname())
		writer, err := csvutil.NewWriter(outputPath)
		if err != nil {
			handler.close()
			return nil, err
		}

		// The residual file carries the original (non-derived) columns only.
		fileSchema := g.Schema().FileSchemas()[file.SchemaIdx()]
		headers := make([]string, 0, len(fileSchema.Columns()))
		tags := make([]string, 0, len(fileSchema.Columns()))
		for _, col := range fileSchema.Columns() {
			headers = append(headers, col.HeaderNoPrefix())
			tags = append(tags, col.DataType().Tag())
		}
		if err := writer.Write(headers); err != nil {
			handler.close()
			return nil, err
		}
		if err := writer.Write(tags); err != nil {
			handler.close()
			return nil, err
		}

		handler.files[file.Filename()] = &UnmatchedFile{
			path:         outputPath,
			fullFilename: filepath.Base(outputPath),
			writer:       writer,
		}
		handler.order = append(handler.order, file.Filename())

		ctx.Log().Debugf("Created file %s", outputPath)
	}

	return handler, nil
}

// WriteRecords copies every record whose status byte is still '0' to the
// residual file for its source, then finalises the outputs.
func (h *UnmatchedHandler) WriteRecords(ctx *job.Context, g *grid.Grid) error {
	iter, err := grid.NewIterator(ctx, g)
	if err != nil {
		return err
	}
	defer iter.Close()

	for {
		record, err := iter.Next()
		if err != nil {
			return err
		}
		if record == nil {
			break
		}

		filename := g.Schema().Files()[record.FileIdx()].Filename()
		unmatched, ok := h.files[filename]
		if !ok {
			return &UnmatchedFileNotInHandlerError{Filename: filename}
		}

		unmatched.rows++

		// Copy the original CSV row - derived columns must not bleed through.
		if err := unmatched.writer.Write(record.Data()); err != nil {
			return fmt.Errorf("unable to write unmatched record row %d to %s: %v", record.Row(), unmatched.fullFilename, err)
		}
	}

	return h.completeFiles(ctx)
}

// completeFiles deletes empty residual files and renames the rest to drop
// their .inprogress suffix.
func (h *UnmatchedHandler) completeFiles(ctx *job.Context) error {
	for _, unmatched := range h.files {
		if err := unmatched.writer.Close(); err != nil {
			return err
		}

		if unmatched.rows == 0 {
			if err := ctx.Folders().RemoveFile(unmatched.path); err != nil {
				return err
			}
			continue
		}

		path, err := ctx.Folders().CompleteFile(unmatched.path)
		if err != nil {
			return err
		}
		unmatched.fullFilename = filepath.Base(path)
		ctx.Log().Debugf("Created unmatched file %s", path)
	}
	return nil
}

// Summaries lists each residual file that received records, sorted by name.
func (h *UnmatchedHandler) Summaries() []UnmatchedSummary {
	summaries := []UnmatchedSummary{}
	for _, filename := range h.order {
		uf := h.files[filename]
		if uf.rows > 0 {
			summaries = append(summaries, UnmatchedSummary{File: uf.fullFilename, Rows: uf.rows})
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].File < summaries[j].File })
	return summaries
}

func (h *UnmatchedHandler) close() {
	for _, uf := range h.files {
		uf.writer.Close()
	}
}
