package matching

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/changeset"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
)

// MatchedHandler manages the matched job file and appends matched groups to
// it as they are found. It also owns the writers used to flip the status
// byte of matched records in their source files.
type MatchedHandler struct {
	ctx       *job.Context
	groups    int
	path      string
	file      *os.File
	writer    *bufio.Writer
	dataFiles []*os.File // To update the status byte of matched records.
}

type jobHeader struct {
	Charter charterRef `json:"charter"`
	JobID   string     `json:"job_id"`
	Files   []string   `json:"files"`
}

type charterRef struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	File    string `json:"file"`
}

// NewMatchedHandler opens a matched output file and writes the job header.
// The file carries an .inprogress suffix until Complete renames it.
func NewMatchedHandler(ctx *job.Context, g *grid.Grid) (*MatchedHandler, error) {
	path := ctx.Folders().NewMatchedFile(ctx.Ts())
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", path)
	}
	writer := bufio.NewWriter(file)

	filenames := make([]string, 0, len(g.Schema().Files()))
	for _, dataFile := range g.Schema().Files() {
		filenames = append(filenames, dataFile.Filename())
	}
	sort.Strings(filenames)

	header := jobHeader{
		Charter: charterRef{
			Name:    ctx.Charter().Name,
			Version: ctx.Charter().Version,
			File:    ctx.CharterPath(),
		},
		JobID: ctx.JobID().String(),
		Files: filenames,
	}

	if _, err := fmt.Fprintln(writer, "["); err != nil {
		return nil, err
	}
	headerJSON, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to write the match job header to %s", path)
	}
	if _, err := writer.Write(headerJSON); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprint(writer, ",\n{\n  \"groups\": [\n    "); err != nil {
		return nil, err
	}

	handler := &MatchedHandler{ctx: ctx, path: path, file: file, writer: writer}

	for _, dataFile := range g.Schema().Files() {
		f, err := os.OpenFile(dataFile.Path(), os.O_WRONLY, 0)
		if err != nil {
			handler.closeAll()
			return nil, errors.Wrapf(err, "failed to open %s for status updates", dataFile.Path())
		}
		handler.dataFiles = append(handler.dataFiles, f)
	}

	return handler, nil
}

// AppendGroup records the group in the matched file. Each group entry is a
// list of file coordinates [[n1,y1],[n2,y2],...] where n is the file index
// in the grid and y is the record's line number (line numbers include the
// two header rows, so the first data row is 3).
func (h *MatchedHandler) AppendGroup(records []*grid.Record) error {
	// Mark all records as matched in their source files first.
	if err := h.setMatchedStatus(records); err != nil {
		return err
	}

	if h.groups != 0 {
		if _, err := fmt.Fprint(h.writer, ",\n    "); err != nil {
			return err
		}
	}

	coords := make([][2]int, 0, len(records))
	for _, record := range records {
		coords = append(coords, [2]int{record.FileIdx(), record.Row()})
	}
	coordsJSON, err := json.Marshal(coords)
	if err != nil {
		return errors.Wrapf(err, "unable to write matched record row to %s", h.path)
	}
	if _, err := h.writer.Write(coordsJSON); err != nil {
		return err
	}

	h.groups++
	return nil
}

// setMatchedStatus writes a '1' over the status byte of each matched record
// in place, skipping the leading quote of the row.
func (h *MatchedHandler) setMatchedStatus(records []*grid.Record) error {
	status := []byte{'1'}
	for _, record := range records {
		file := h.dataFiles[record.FileIdx()]
		if _, err := file.WriteAt(status, record.DataPos().Byte+1); err != nil {
			return errors.Wrapf(err, "failed to set matched status in %s", file.Name())
		}
	}
	return nil
}

// UnmatchedSummary is one footer entry for a residual file.
type UnmatchedSummary struct {
	File string `json:"file"`
	Rows int    `json:"rows"`
}

type footer struct {
	Changesets []changeset.Summary `json:"changesets"`
	Unmatched  []UnmatchedSummary  `json:"unmatched"`
}

// Complete terminates the groups array, writes the footer and renames the
// file to drop its .inprogress suffix.
func (h *MatchedHandler) Complete(unmatched []UnmatchedSummary, changesets []*changeset.ChangeSet, duration time.Duration) error {
	defer h.closeAll()

	if _, err := fmt.Fprint(h.writer, "]\n},\n"); err != nil {
		return err
	}

	foot := footer{
		Changesets: changeset.Summarise(changesets),
		Unmatched:  unmatched,
	}
	if foot.Changesets == nil {
		foot.Changesets = []changeset.Summary{}
	}
	if foot.Unmatched == nil {
		foot.Unmatched = []UnmatchedSummary{}
	}

	footJSON, err := json.MarshalIndent(foot, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "unable to write matched file footer to %s", h.path)
	}
	if _, err := h.writer.Write(footJSON); err != nil {
		return err
	}
	if _, err := fmt.Fprint(h.writer, "]\n"); err != nil {
		return err
	}

	if err := h.writer.Flush(); err != nil {
		return err
	}
	if err := h.file.Close(); err != nil {
		return err
	}
	h.file = nil

	completed, err := h.ctx.Folders().CompleteFile(h.path)
	if err != nil {
		return err
	}

	h.ctx.Log().Infof("Created matched file %s in %s", completed, duration.Round(time.Millisecond))
	return nil
}

func (h *MatchedHandler) closeAll() {
	if h.file != nil {
		h.file.Close()
		h.file = nil
	}
	for _, f := range h.dataFiles {
		f.Close()
	}
	h.dataFiles = nil
}
