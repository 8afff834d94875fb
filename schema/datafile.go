package schema

import (
	"path/filepath"

	"github.com/openrec/openrec/folders"
)

// DataFile represents a physical sourced file of data, with the various
// derived/scratch paths it implies and the index of its schema in the grid.
type DataFile struct {
	shortname       string // 'invoices' for 20201118_053000000_invoices.csv
	filename        string // 20201118_053000000_invoices.csv
	path            string // Full path to the file.
	derivedPath     string // 20201118_053000000_invoices.csv.derived.csv
	modifyingPath   string // 20201118_053000000_invoices.csv.modifying
	preModifiedPath string // 20201118_053000000_invoices.csv.pre_modified
	timestamp       string // 20201118_053000000
	schemaIdx       int    // Index of the file's schema in the grid.
	archivedAs      string // Set once the file has been archived.
}

func NewDataFile(path string, schemaIdx int) (*DataFile, error) {
	filename := filepath.Base(path)
	timestamp, err := folders.Timestamp(filename)
	if err != nil {
		return nil, err
	}

	return &DataFile{
		shortname:       folders.Shortname(filename),
		filename:        filename,
		path:            path,
		derivedPath:     folders.DerivedPath(path),
		modifyingPath:   folders.ModifyingPath(path),
		preModifiedPath: folders.PreModifiedPath(path),
		timestamp:       timestamp,
		schemaIdx:       schemaIdx,
	}, nil
}

func (df *DataFile) SchemaIdx() int          { return df.schemaIdx }
func (df *DataFile) Filename() string        { return df.filename }
func (df *DataFile) Shortname() string       { return df.shortname }
func (df *DataFile) Timestamp() string       { return df.timestamp }
func (df *DataFile) Path() string            { return df.path }
func (df *DataFile) DerivedPath() string     { return df.derivedPath }
func (df *DataFile) ModifyingPath() string   { return df.modifyingPath }
func (df *DataFile) PreModifiedPath() string { return df.preModifiedPath }

func (df *DataFile) DerivedFilename() string   { return filepath.Base(df.derivedPath) }
func (df *DataFile) ModifyingFilename() string { return filepath.Base(df.modifyingPath) }

// IsUnmatched reports whether this is a residual file from a previous run.
func (df *DataFile) IsUnmatched() bool {
	return folders.IsUnmatchedDataFile(df.filename)
}

func (df *DataFile) ArchivedAs() string        { return df.archivedAs }
func (df *DataFile) SetArchivedAs(name string) { df.archivedAs = name }
