package changeset

// Changesets are auditable JSON edit batches applied to in-flight data
// before matching.
//
// While changesets are applied, new copies of the data files are written
// into the matching folder with a .modifying extension. These contain the
// original data with modifications applied - records ignored by a changeset
// are simply absent from the new file.
//
// Files that received changes then replace their originals (the original is
// archived immediately, or renamed .pre_modified and deleted for unmatched
// files, which are never archived). Finally the changeset .json files are
// moved to the archive BEFORE any downstream phase runs, so a retry can
// never re-apply them to already modified data.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/schema"
	"github.com/openrec/openrec/script"
)

// Change variant tags.
const (
	UpdateFields  = "UpdateFields"
	IgnoreRecords = "IgnoreRecords"
	IgnoreFile    = "IgnoreFile"
)

type FieldChange struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Change is a tagged union - the fields used depend on Type.
type Change struct {
	Type      string        `json:"type"`
	Updates   []FieldChange `json:"updates,omitempty"`
	LuaFilter string        `json:"lua_filter,omitempty"`
	Filename  string        `json:"filename,omitempty"`
}

type ChangeSet struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Change    Change `json:"change"`

	effected int
	elapsed  time.Duration
	filename string
}

func (cs *ChangeSet) Effected() int    { return cs.effected }
func (cs *ChangeSet) Filename() string { return cs.filename }

// ChangeSetError annotates a scripting failure with its context.
type ChangeSetError struct {
	ChangeSet string
	Row       int
	File      string
	Err       error
}

func (e *ChangeSetError) Error() string {
	return fmt.Sprintf("an error occurred processing changeset %s on record %d from file %s: %v", e.ChangeSet, e.Row, e.File, e.Err)
}

// Load parses every changeset file waiting in the matching folder, in
// lexicographic filename order. Order within a file is array order.
func Load(ctx *job.Context) ([]*ChangeSet, error) {
	changesets := []*ChangeSet{}

	files, err := ctx.Folders().ChangesetsInMatching()
	if err != nil {
		return nil, err
	}

	for _, filename := range files {
		path := filepath.Join(ctx.Folders().Matching(), filename)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to open %s", path)
		}

		var parsed []*ChangeSet
		if err := json.Unmarshal(content, &parsed); err != nil {
			return nil, errors.Wrapf(err, "unable to parse %s", path)
		}

		ctx.Log().Infof("Loaded changeset %s", filename)

		for _, cs := range parsed {
			cs.filename = filename
		}
		changesets = append(changesets, parsed...)
	}

	return changesets, nil
}

// IgnoredFiles collects the filenames named by IgnoreFile changes. These are
// excluded from the grid for the current run only.
func IgnoredFiles(changesets []*ChangeSet) map[string]bool {
	ignored := map[string]bool{}
	for _, cs := range changesets {
		if cs.Change.Type == IgnoreFile {
			ignored[cs.Change.Filename] = true
		}
	}
	return ignored
}

// metrics tracks how many changes were made to one data file.
type metrics struct {
	modified int
	ignored  int
}

// Apply runs every record-level change against the grid and rewrites any
// effected files. Returns true if any file was replaced - the caller must
// re-source the grid in that case.
func Apply(ctx *job.Context, g *grid.Grid, changesets []*ChangeSet, engine *script.Engine) (bool, error) {
	if len(changesets) == 0 {
		return false, nil
	}

	gs := g.Schema()
	writers, err := modifyingWriters(gs)
	if err != nil {
		return false, err
	}
	defer closeWriters(writers)

	fileMetrics := make([]metrics, len(gs.Files()))

	iter, err := grid.NewIterator(ctx, g)
	if err != nil {
		return false, err
	}
	defer iter.Close()

	for {
		record, err := iter.Next()
		if err != nil {
			return false, err
		}
		if record == nil {
			break
		}

		dataFile := gs.Files()[record.FileIdx()]
		deleted := false

		// Populate all the record's fields into its writer buffer.
		record.LoadBuffer()

		for csIdx, cs := range changesets {
			if cs.Change.Type == IgnoreFile {
				continue // Applied before the grid loaded.
			}

			started := time.Now()
			matched, err := recordEffected(record, cs.Change.LuaFilter, engine, gs)
			if err != nil {
				return false, &ChangeSetError{
					ChangeSet: fmt.Sprintf("%d (%s)", csIdx, cs.ID),
					Row:       record.Row(),
					File:      dataFile.Filename(),
					Err:       err,
				}
			}
			if !matched {
				continue
			}

			switch cs.Change.Type {
			case UpdateFields:
				for _, update := range cs.Change.Updates {
					if err := record.Update(update.Field, update.Value); err != nil {
						return false, err
					}
				}
				fileMetrics[record.FileIdx()].modified++
			case IgnoreRecords:
				// Stops the record being written to the modifying file.
				deleted = true
				fileMetrics[record.FileIdx()].ignored++
			}

			cs.effected++
			cs.elapsed += time.Since(started)
		}

		// Copy the record across as-is or modified - or skip if ignored.
		if !deleted {
			if err := writers[record.FileIdx()].Write(record.Flush()); err != nil {
				return false, err
			}
		} else {
			record.Flush()
		}
	}

	anyApplied, err := finaliseFiles(ctx, g, fileMetrics)
	if err != nil {
		return false, err
	}

	for _, cs := range changesets {
		duration, rate := job.FormattedDuration(g.Len(), cs.elapsed)
		ctx.Log().Infof("ChangeSet %s effected %d record(s) in %s (%s)", cs.ID, cs.effected, duration, rate)
	}

	return anyApplied, nil
}

// ArchiveChangesets moves processed changeset files to the archive so a
// future error won't re-apply them to already modified data.
func ArchiveChangesets(ctx *job.Context) error {
	files, err := ctx.Folders().ChangesetsInMatching()
	if err != nil {
		return err
	}
	for _, filename := range files {
		if err := ctx.Folders().ArchiveNow(filepath.Join(ctx.Folders().Matching(), filename)); err != nil {
			return err
		}
	}
	return nil
}

// recordEffected returns true if the record matches the change's filter.
func recordEffected(record *grid.Record, luaFilter string, engine *script.Engine, gs *schema.GridSchema) (bool, error) {
	matched, err := engine.FilterRecords([]*grid.Record{record}, luaFilter, gs)
	if err != nil {
		return false, err
	}
	return len(matched) > 0, nil
}

// finaliseFiles replaces effected originals with their modifying copies and
// deletes untouched modifying files.
func finaliseFiles(ctx *job.Context, g *grid.Grid, fileMetrics []metrics) (bool, error) {
	anyApplied := false

	for fileIdx, file := range g.Schema().Files() {
		metric := fileMetrics[fileIdx]

		if metric.modified == 0 && metric.ignored == 0 {
			ctx.Log().Debugf("Removing unmodified modifying file %s", file.ModifyingFilename())
			if err := ctx.Folders().RemoveFile(file.ModifyingPath()); err != nil {
				return false, err
			}
			continue
		}

		anyApplied = true

		if !file.IsUnmatched() {
			// New data files are archived immediately so the pre-change data
			// remains auditable.
			archivedAs, err := ctx.Folders().ArchiveDataFile(file.Path())
			if err != nil {
				return false, err
			}
			file.SetArchivedAs(archivedAs)

			if err := ctx.Folders().Rename(file.ModifyingPath(), file.Path()); err != nil {
				return false, err
			}
		} else {
			// Unmatched files are never archived - swap via a backup.
			if err := ctx.Folders().Rename(file.Path(), file.PreModifiedPath()); err != nil {
				return false, err
			}
			if err := ctx.Folders().Rename(file.ModifyingPath(), file.Path()); err != nil {
				return false, err
			}
			if err := ctx.Folders().RemoveFile(file.PreModifiedPath()); err != nil {
				return false, err
			}
		}
	}

	return anyApplied, nil
}

// modifyingWriters opens a .modifying writer per sourced file with the
// header and type rows already written.
func modifyingWriters(gs *schema.GridSchema) ([]*csvutil.Writer, error) {
	writers := make([]*csvutil.Writer, 0, len(gs.Files()))

	for _, file := range gs.Files() {
		writer, err := csvutil.NewWriter(file.ModifyingPath())
		if err != nil {
			closeWriters(writers)
			return nil, err
		}

		fileSchema := gs.FileSchemas()[file.SchemaIdx()]
		headers := make([]string, 0, len(fileSchema.Columns()))
		tags := make([]string, 0, len(fileSchema.Columns()))
		for _, col := range fileSchema.Columns() {
			headers = append(headers, col.HeaderNoPrefix())
			tags = append(tags, col.DataType().Tag())
		}

		if err := writer.Write(headers); err != nil {
			closeWriters(writers)
			return nil, err
		}
		if err := writer.Write(tags); err != nil {
			closeWriters(writers)
			return nil, err
		}

		writers = append(writers, writer)
	}

	return writers, nil
}

func closeWriters(writers []*csvutil.Writer) {
	for _, writer := range writers {
		writer.Close()
	}
}

// Summary is one footer entry: per changeset file, how many records were
// updated and how many ignored.
type Summary struct {
	File    string `json:"file"`
	Updated int    `json:"updated"`
	Ignored int    `json:"ignored"`
}

// Summarise groups the applied changesets by their source file.
func Summarise(changesets []*ChangeSet) []Summary {
	order := []string{}
	byFile := map[string]*Summary{}

	for _, cs := range changesets {
		summary, ok := byFile[cs.filename]
		if !ok {
			summary = &Summary{File: cs.filename}
			byFile[cs.filename] = summary
			order = append(order, cs.filename)
		}
		switch cs.Change.Type {
		case UpdateFields:
			summary.Updated += cs.effected
		case IgnoreRecords:
			summary.Ignored += cs.effected
		}
	}

	summaries := make([]Summary, 0, len(order))
	for _, filename := range order {
		summaries = append(summaries, *byFile[filename])
	}
	return summaries
}
