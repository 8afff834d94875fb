package jetwash

// The washer. Scans and analyses inbox files, then produces normalised
// 'standard form' copies in the waiting folder for the match engine: UTF-8
// validated, canonical csv dialect, a type-tag schema row, and the
// synthetic OpenRecStatus / OpenRecId columns prepended.

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/folders"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/schema"
	"github.com/openrec/openrec/script"
)

// PreviousFailuresError - .failed files from an earlier job block new jobs.
type PreviousFailuresError struct {
	Files []string
}

func (e *PreviousFailuresError) Error() string {
	return fmt.Sprintf("previous job failed. Cannot start a new job until .failed files have been manually fixed or removed. Failed files: %s", strings.Join(e.Files, ", "))
}

// Run scans and analyses inbox files, then washes them into waiting files
// for the match engine.
func Run(charterPath, baseDir string, log *logrus.Logger) error {
	charter, err := config.Load(charterPath)
	if err != nil {
		return err
	}

	ctx := job.New(charter, folders.Canonical(charterPath), baseDir, log)

	log.Info("Starting jetwash job:")
	log.Infof("    Job ID: %s", ctx.JobID())
	log.Infof("   Charter: %s (v%d)", charter.Name, charter.Version)
	log.Infof("  Base dir: %s", folders.Canonical(baseDir))

	if err := ctx.Folders().EnsureDirsExist(); err != nil {
		return err
	}

	// Refuse to start while .failed files from a previous job remain.
	failed, err := failedFilesInInbox(ctx)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		log.Errorf("Previous job failed. Failed files:\n%s", strings.Join(failed, "\n"))
		return &PreviousFailuresError{Files: failed}
	}

	// Remove any .inprogress files left over from a previous job.
	if err := removeIncompleteFiles(ctx); err != nil {
		return err
	}

	// Changeset files move from the inbox to the waiting folder.
	if err := progressChangesets(ctx); err != nil {
		return err
	}

	if charter.Jetwash != nil {
		// Check files are UTF-8, valid CSV, and analyse column data-types.
		results, order, err := analyseAndValidate(ctx, charter.Jetwash)
		if err != nil {
			return err
		}

		engine, err := script.NewEngine(charter.GlobalLua, ctx.Folders().Lookups(), log)
		if err != nil {
			return err
		}
		defer engine.Close()

		ids := newUuidProvider()

		for _, path := range order {
			if err := washFile(ctx, engine, ids, path, results[path]); err != nil {
				return err
			}
		}
	}

	duration, _ := job.FormattedDuration(1, time.Since(ctx.Started()))
	log.Infof("Completed jetwash job %s in %s", ctx.JobID(), duration)
	return nil
}

// washFile runs the column transformations for one file and writes a
// standard-form csv into the waiting folder.
func washFile(ctx *job.Context, engine *script.Engine, ids *uuidProvider, path string, result *AnalysisResult) error {
	newFile := newWaitingFile(ctx, path)

	reader, err := newDelimReader(path, result.sourceFile)
	if err != nil {
		return err
	}
	defer reader.Close()

	writer, err := csvutil.NewWriter(newFile)
	if err != nil {
		return err
	}
	defer writer.Close()

	headers, err := headerRecord(result.sourceFile, reader)
	if err != nil {
		return err
	}
	if err := writer.Write(headers); err != nil {
		return err
	}

	// Write the schema row to the new file.
	finalTypes := finalSchema(result.analysedSchema, result.sourceFile, headers)
	tags := make([]string, len(finalTypes))
	for idx, dt := range finalTypes {
		tags[idx] = dt.Tag()
	}
	if err := writer.Write(tags); err != nil {
		return err
	}

	// Read each row in, transform, write to the new file.
	line := 1
	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		line++

		transformed, err := transformRecord(ctx, engine, ids, result.sourceFile, headers, record, line)
		if err != nil {
			return err
		}
		if err := writer.Write(transformed); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return err
	}

	// Move the original file to the archive now.
	if err := moveToJetwashArchive(ctx, path); err != nil {
		return err
	}

	// Rename xxx.csv.inprogress to xxx.csv.
	completed, err := ctx.Folders().CompleteFile(newFile)
	if err != nil {
		return err
	}

	ctx.Log().Infof("Created file %s", completed)
	return nil
}

// headerRecord uses the charter-defined column headers or those in the
// source file, with the internal status and id columns prepended and any
// new columns appended.
func headerRecord(sourceFile *config.JetwashSourceFile, reader *delimReader) ([]string, error) {
	headers := []string{schema.StatusHeader, schema.IdHeader}

	if sourceFile.Headers != nil {
		headers = append(headers, sourceFile.Headers...)
	} else {
		fileHeaders, err := reader.Read()
		if err != nil {
			return nil, err
		}
		headers = append(headers, fileHeaders...)
	}

	for _, newCol := range sourceFile.NewColumns {
		headers = append(headers, newCol.Column)
	}
	return headers, nil
}

// transformRecord applies any column mappings and new-column scripts to one
// row, prepending the status and id fields.
func transformRecord(ctx *job.Context, engine *script.Engine, ids *uuidProvider, sourceFile *config.JetwashSourceFile, headers, record []string, line int) ([]string, error) {
	newRecord := []string{"0", ids.next().String()} // OpenRecStatus, OpenRecId.

	// Copy each field across, applying a mapping if there is one.
	for idx, value := range record {
		header := ""
		if idx+2 < len(headers) {
			header = headers[idx+2] // Offset by the two hardcoded columns.
		}

		mapped := value
		for mIdx := range sourceFile.ColumnMappings {
			mapping := &sourceFile.ColumnMappings[mIdx]
			if mapping.Column() != header {
				continue
			}
			newValue, err := mapField(engine, mapping, mapped)
			if err != nil {
				return nil, err
			}
			ctx.Log().Tracef("Mapping row %d, column %s from [%s] to [%s]", line, header, mapped, newValue)
			mapped = newValue
		}
		newRecord = append(newRecord, mapped)
	}

	// Evaluate any brand-new columns against the row.
	if len(sourceFile.NewColumns) > 0 {
		engine.SetGlobalTable("record", recordTable(engine, newRecord, headers))

		for _, newCol := range sourceFile.NewColumns {
			value, err := evalTypedLua(engine, newCol.From, newCol.AsA)
			if err != nil {
				return nil, err
			}
			ctx.Log().Tracef("Mapping row %d, column %s from [new] to [%s]", line, newCol.Column, value)
			newRecord = append(newRecord, value)
		}
	}

	return newRecord, nil
}

// finalSchema is the analysed schema adjusted for mapped column types
// declared in the charter.
func finalSchema(analysedSchema []datatype.DataType, sourceFile *config.JetwashSourceFile, headers []string) []datatype.DataType {
	final := make([]datatype.DataType, 0, len(headers))

	for idx, header := range headers {
		switch header {
		case schema.StatusHeader:
			final = append(final, datatype.Integer)
			continue
		case schema.IdHeader:
			final = append(final, datatype.Uuid)
			continue
		}

		srcIdx := idx - 2 // Offset by the two hardcoded columns.

		mapped := datatype.Unknown
		for mIdx := range sourceFile.ColumnMappings {
			mapping := &sourceFile.ColumnMappings[mIdx]
			if mapping.Column() != header {
				continue
			}
			switch {
			case mapping.Map != nil:
				mapped = mapping.Map.AsA
			case mapping.Dmy != "" || mapping.Mdy != "" || mapping.Ymd != "":
				mapped = datatype.Datetime
			case mapping.AsBoolean != "":
				mapped = datatype.Boolean
			case mapping.AsDatetime != "":
				mapped = datatype.Datetime
			case mapping.AsDecimal != "":
				mapped = datatype.Decimal
			case mapping.AsInteger != "":
				mapped = datatype.Integer
			}
		}

		if mapped == datatype.Unknown {
			for _, newCol := range sourceFile.NewColumns {
				if newCol.Column == header {
					mapped = newCol.AsA
				}
			}
		}

		if mapped == datatype.Unknown && srcIdx >= 0 && srcIdx < len(analysedSchema) {
			mapped = analysedSchema[srcIdx]
		}
		if mapped == datatype.Unknown {
			mapped = datatype.String
		}
		final = append(final, mapped)
	}

	return final
}

// uuidProvider returns a secure random v4 uuid in normal mode. If the test
// hook is set, it generates predictable ids so tests can make assertions.
type uuidProvider struct {
	counter *uint64
}

func newUuidProvider() *uuidProvider {
	if seed := os.Getenv("OPENREC_UUID_SEED"); seed != "" {
		n, err := strconv.ParseUint(seed, 10, 64)
		if err == nil {
			counter := n
			return &uuidProvider{counter: &counter}
		}
	}
	return &uuidProvider{}
}

func (p *uuidProvider) next() uuid.UUID {
	if p.counter != nil {
		next := atomic.AddUint64(p.counter, 1) - 1
		var id uuid.UUID
		binary.BigEndian.PutUint64(id[8:], next)
		return id
	}
	return uuid.New()
}
