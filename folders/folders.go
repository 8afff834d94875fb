package folders

// File and folder lifecycle for a control directory. All state transitions
// between phases are plain renames so a crash can never leave a half-moved
// file - partially written outputs carry an .inprogress suffix until they
// are complete.

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	InProgress  = ".inprogress"
	Unmatched   = ".unmatched.csv"
	Derived     = ".derived.csv"
	Modifying   = ".modifying"
	PreModified = ".pre_modified"
	Failed      = ".failed"
)

const changesetPattern = `^(\d{8}_\d{9})_changeset\.json$`

var (
	filenameRegex  = regexp.MustCompile(`^(\d{8}_\d{9})_(.*)\.csv$`)
	shortnameRegex = regexp.MustCompile(`^(\d{8}_\d{9})_(.*?)(\.unmatched)*\.csv$`)
	derivedRegex   = regexp.MustCompile(`^(\d{8}_\d{9})_(.*)\.derived\.csv$`)
	changesetRegex = regexp.MustCompile(changesetPattern)
	timestampRegex = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})_(\d{2})(\d{2})(\d{2})(\d{3})`)
	unmatchedRegex = regexp.MustCompile(`^(\d{8}_\d{9})_(.*)\.unmatched\.csv$`)
)

// FileNotInProgressError - attempted to finalise a file without the suffix.
type FileNotInProgressError struct {
	Path string
}

func (e *FileNotInProgressError) Error() string {
	return fmt.Sprintf("attempted to remove the .inprogress suffix from %s", e.Path)
}

// InvalidTimestampPrefixError - a data filename without the YYYYMMDD_HHMMSSmmm_ prefix.
type InvalidTimestampPrefixError struct {
	Filename string
}

func (e *InvalidTimestampPrefixError) Error() string {
	return fmt.Sprintf("the file %s doesn't have a valid timestamp prefix", e.Filename)
}

// CannotCreateDirError carries the canonical path that failed.
type CannotCreateDirError struct {
	Path string
	Err  error
}

func (e *CannotCreateDirError) Error() string {
	return fmt.Sprintf("unable to create directory %s: %v", e.Path, e.Err)
}

// Folders provides the directory layout under one control root.
type Folders struct {
	base string
	log  *logrus.Logger
}

func New(base string, log *logrus.Logger) *Folders {
	return &Folders{base: base, log: log}
}

func (f *Folders) Base() string            { return f.base }
func (f *Folders) Inbox() string           { return filepath.Join(f.base, "inbox") }
func (f *Folders) Waiting() string         { return filepath.Join(f.base, "waiting") }
func (f *Folders) Matching() string        { return filepath.Join(f.base, "matching") }
func (f *Folders) Matched() string         { return filepath.Join(f.base, "matched") }
func (f *Folders) Unmatched() string       { return filepath.Join(f.base, "unmatched") }
func (f *Folders) ArchiveCelerity() string { return filepath.Join(f.base, "archive", "celerity") }
func (f *Folders) ArchiveJetwash() string  { return filepath.Join(f.base, "archive", "jetwash") }
func (f *Folders) Lookups() string         { return filepath.Join(f.base, "lookups") }
func (f *Folders) Debug() string           { return filepath.Join(f.base, "debug") }
func (f *Folders) Logs() string            { return filepath.Join(f.base, "logs") }

// EnsureDirsExist creates the full directory structure for the control.
func (f *Folders) EnsureDirsExist() error {
	f.log.Debugf("Creating folder structure in [%s]", Canonical(f.base))

	dirs := []string{
		f.Inbox(), f.Waiting(), f.Matching(), f.Matched(), f.Unmatched(),
		f.ArchiveCelerity(), f.ArchiveJetwash(), f.Lookups(), f.Debug(), f.Logs(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return &CannotCreateDirError{Path: Canonical(dir), Err: err}
		}
	}
	return nil
}

// Rename a folder or file - captures the paths to log if it fails.
func (f *Folders) Rename(from, to string) error {
	f.log.Debugf("Moving/renaming %s -> %s", Canonical(from), Canonical(to))
	return errors.Wrapf(os.Rename(from, to), "cannot rename %s to %s", Canonical(from), Canonical(to))
}

// RemoveFile removes the file specified - captures the path to log if it fails.
func (f *Folders) RemoveFile(path string) error {
	f.log.Debugf("Removing file %s", Canonical(path))
	return errors.Wrapf(os.Remove(path), "cannot remove file %s", Canonical(path))
}

// ProgressToMatching moves waiting and unmatched files into the matching folder.
func (f *Folders) ProgressToMatching() error {
	entries, err := sortedDir(f.Unmatched())
	if err != nil {
		return err
	}
	for _, name := range entries {
		if IsUnmatchedDataFile(name) {
			if err := f.Rename(filepath.Join(f.Unmatched(), name), filepath.Join(f.Matching(), name)); err != nil {
				return err
			}
		}
	}

	entries, err = sortedDir(f.Waiting())
	if err != nil {
		return err
	}
	for _, name := range entries {
		if IsDataFile(name) || IsChangesetFile(name) {
			if err := f.Rename(filepath.Join(f.Waiting(), name), filepath.Join(f.Matching(), name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RollbackAnyIncomplete deletes scratch output from a failed previous run.
// Any .inprogress files in matched/unmatched, and any .modifying, .derived.csv
// or index.* files in matching are removed.
func (f *Folders) RollbackAnyIncomplete() error {
	for _, folder := range []string{f.Matched(), f.Unmatched()} {
		entries, err := sortedDir(folder)
		if err != nil {
			return err
		}
		for _, name := range entries {
			if strings.HasSuffix(name, InProgress) {
				f.log.Warnf("Rolling back file %s", Canonical(filepath.Join(folder, name)))
				if err := os.Remove(filepath.Join(folder, name)); err != nil {
					return errors.Wrapf(err, "cannot remove file %s", Canonical(filepath.Join(folder, name)))
				}
			}
		}
	}

	entries, err := sortedDir(f.Matching())
	if err != nil {
		return err
	}
	for _, name := range entries {
		if strings.HasSuffix(name, Modifying) || strings.HasSuffix(name, Derived) ||
			strings.HasSuffix(name, InProgress) || strings.HasPrefix(name, "index.") {
			f.log.Warnf("Rolling back file %s", Canonical(filepath.Join(f.Matching(), name)))
			if err := os.Remove(filepath.Join(f.Matching(), name)); err != nil {
				return errors.Wrapf(err, "cannot remove file %s", Canonical(filepath.Join(f.Matching(), name)))
			}
		}
	}
	return nil
}

// InvalidSourceFileRegExError - a source file pattern failed to compile.
type InvalidSourceFileRegExError struct {
	Pattern string
	Err     error
}

func (e *InvalidSourceFileRegExError) Error() string {
	return fmt.Sprintf("charter contained an invalid regular expression %q: %v", e.Pattern, e.Err)
}

// FilesInMatching returns the filenames in the matching folder which match
// the pattern, sorted lexicographically - i.e. chronologically.
func (f *Folders) FilesInMatching(pattern string) ([]string, error) {
	wildcard, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &InvalidSourceFileRegExError{Pattern: pattern, Err: err}
	}

	entries, err := sortedDir(f.Matching())
	if err != nil {
		return nil, err
	}

	files := []string{}
	for _, name := range entries {
		if (IsDataFile(name) || IsChangesetFile(name)) && wildcard.MatchString(name) {
			files = append(files, name)
		}
	}
	return files, nil
}

// ChangesetsInMatching returns all changeset files pending application.
func (f *Folders) ChangesetsInMatching() ([]string, error) {
	return f.FilesInMatching(changesetPattern)
}

// ArchiveNow moves the file straight to the celerity archive, keeping its name.
func (f *Folders) ArchiveNow(path string) error {
	return f.Rename(path, filepath.Join(f.ArchiveCelerity(), filepath.Base(path)))
}

// ArchiveDataFile moves a data file to the archive, appending _01, _02, ...
// until the destination name is unused. Returns the archived filename.
func (f *Folders) ArchiveDataFile(path string) (string, error) {
	filename := filepath.Base(path)
	dest := filepath.Join(f.ArchiveCelerity(), filename)

	counter := 0
	for {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		counter++
		dest = filepath.Join(f.ArchiveCelerity(), fmt.Sprintf("%s_%02d", filename, counter))
	}

	if err := f.Rename(path, dest); err != nil {
		return "", err
	}
	return filepath.Base(dest), nil
}

// CompleteFile renames a file ending in .inprogress to remove the suffix.
func (f *Folders) CompleteFile(path string) (string, error) {
	if !strings.HasSuffix(path, InProgress) {
		return "", &FileNotInProgressError{Path: path}
	}
	to := strings.TrimSuffix(path, InProgress)
	if err := f.Rename(path, to); err != nil {
		return "", err
	}
	return to, nil
}

// NewMatchedFile returns the path for a new matched job file.
func (f *Folders) NewMatchedFile(ts string) string {
	return filepath.Join(f.Matched(), fmt.Sprintf("%s_matched.json%s", ts, InProgress))
}

// NewUnmatchedFile, e.g. 20201118_053000000_invoices.unmatched.csv.inprogress
func (f *Folders) NewUnmatchedFile(ts, shortname string) string {
	return filepath.Join(f.Unmatched(), fmt.Sprintf("%s_%s%s%s", ts, shortname, Unmatched, InProgress))
}

// UnsortedIndex is the path of the scratch index file for the match phase.
func (f *Folders) UnsortedIndex() string {
	return filepath.Join(f.Matching(), "index.unsorted.csv")
}

// SortedIndex is the path of the final merged index file.
func (f *Folders) SortedIndex() string {
	return filepath.Join(f.Matching(), "index.sorted.csv")
}

// SortedSplit is the path of the n-th sorted split file.
func (f *Folders) SortedSplit(n int) string {
	return filepath.Join(f.Matching(), fmt.Sprintf("index.sorted.%d", n))
}

// NewTimestamp returns a fresh file-prefix timestamp. Overridable by tests
// via OPENREC_FIXED_TS.
func NewTimestamp() string {
	if ts := os.Getenv("OPENREC_FIXED_TS"); ts != "" {
		return ts
	}
	now := time.Now().UTC()
	return now.Format("20060102_150405") + fmt.Sprintf("%03d", now.Nanosecond()/1e6)
}

// Timestamp returns the prefix from a data filename.
func Timestamp(filename string) (string, error) {
	captures := filenameRegex.FindStringSubmatch(filename)
	if captures == nil {
		return "", &InvalidTimestampPrefixError{Filename: filename}
	}
	return captures[1], nil
}

// UnixTimestamp parses the YYYYMMDD_HHMMSSmmm prefix into epoch millis.
func UnixTimestamp(fileTimestamp string) (int64, bool) {
	if !timestampRegex.MatchString(fileTimestamp) {
		return 0, false
	}
	dt, err := time.Parse("20060102_150405.000", fileTimestamp[:15]+"."+fileTimestamp[15:18])
	if err != nil {
		return 0, false
	}
	return dt.UnixMilli(), true
}

// Shortname removes the timestamp prefix and extension suffixes.
// e.g. 20191209_020405000_INV.unmatched.csv -> INV
func Shortname(filename string) string {
	captures := shortnameRegex.FindStringSubmatch(filename)
	if captures == nil {
		return filename
	}
	return captures[2]
}

// OriginalFilename maps an unmatched filename back to its data filename.
// e.g. 20201118_053000000_invoices.unmatched.csv -> 20201118_053000000_invoices.csv
func OriginalFilename(filename string) string {
	if unmatchedRegex.MatchString(filename) {
		return strings.TrimSuffix(filename, Unmatched) + ".csv"
	}
	return filename
}

// DerivedPath maps a data file path to its derived side-car path.
// e.g. 20191209_020405000_INV.csv -> 20191209_020405000_INV.csv.derived.csv
func DerivedPath(path string) string {
	return path + Derived
}

// ModifyingPath maps a data file path to its changeset scratch path.
func ModifyingPath(path string) string {
	return path + Modifying
}

// PreModifiedPath maps a data file path to its pre-changeset backup path.
func PreModifiedPath(path string) string {
	return path + PreModified
}

// IsDataFile - timestamp prefix and .csv suffix (includes unmatched files).
func IsDataFile(filename string) bool {
	return filenameRegex.MatchString(filename) && !derivedRegex.MatchString(filename)
}

// IsUnmatchedDataFile - timestamp prefix and .unmatched.csv suffix.
func IsUnmatchedDataFile(filename string) bool {
	return unmatchedRegex.MatchString(filename)
}

// IsDerivedFile - timestamp prefix and .derived.csv suffix.
func IsDerivedFile(filename string) bool {
	return derivedRegex.MatchString(filename)
}

// IsChangesetFile - matches the changeset filename pattern.
func IsChangesetFile(filename string) bool {
	return changesetRegex.MatchString(filename)
}

// Canonical returns an absolute path if possible, otherwise the input.
func Canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// sortedDir lists the filenames in a directory in lexicographic order.
func sortedDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read directory %s", Canonical(dir))
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
