package jetwash

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/openrec/openrec/folders"
	"github.com/openrec/openrec/job"
)

var changesetNameRegex = regexp.MustCompile(`changeset\.json$`)

// filesInInbox lists the inbox files matching the pattern, excluding
// failed, in-progress and changeset files, in lexicographic order.
func filesInInbox(ctx *job.Context, pattern string) ([]string, error) {
	wildcard, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &folders.InvalidSourceFileRegExError{Pattern: pattern, Err: err}
	}

	entries, err := os.ReadDir(ctx.Folders().Inbox())
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read inbox %s", ctx.Folders().Inbox())
	}

	files := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() ||
			strings.HasSuffix(name, folders.Failed) ||
			strings.HasSuffix(name, folders.InProgress) ||
			changesetNameRegex.MatchString(name) {
			continue
		}
		if wildcard.MatchString(name) {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// failedFilesInInbox lists .failed files from previous jobs.
func failedFilesInInbox(ctx *job.Context) ([]string, error) {
	entries, err := os.ReadDir(ctx.Folders().Inbox())
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read inbox %s", ctx.Folders().Inbox())
	}

	failed := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), folders.Failed) {
			failed = append(failed, entry.Name())
		}
	}
	sort.Strings(failed)
	return failed, nil
}

// failFile renames an inbox file with a .failed suffix.
func failFile(ctx *job.Context, path string) error {
	return ctx.Folders().Rename(path, path+folders.Failed)
}

// progressChangesets moves changeset files from the inbox to the waiting
// folder. A file whose name does not already start with a timestamp is
// renamed to <ts>_changeset.json.
func progressChangesets(ctx *job.Context) error {
	entries, err := os.ReadDir(ctx.Folders().Inbox())
	if err != nil {
		return errors.Wrapf(err, "cannot read inbox %s", ctx.Folders().Inbox())
	}

	names := []string{}
	for _, entry := range entries {
		if !entry.IsDir() && changesetNameRegex.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dest := name
		if !folders.IsChangesetFile(name) {
			dest = fmt.Sprintf("%s_changeset.json", folders.NewTimestamp())
		}
		if err := ctx.Folders().Rename(
			filepath.Join(ctx.Folders().Inbox(), name),
			filepath.Join(ctx.Folders().Waiting(), dest)); err != nil {
			return err
		}
	}
	return nil
}

// newWaitingFile returns the .inprogress path a washed copy is written to.
// The output always ends .csv, whatever the inbox file was called.
func newWaitingFile(ctx *job.Context, inboxPath string) string {
	name := filepath.Base(inboxPath)
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		name += ".csv"
	}
	return filepath.Join(ctx.Folders().Waiting(), fmt.Sprintf("%s_%s%s", ctx.Ts(), name, folders.InProgress))
}

// moveToJetwashArchive archives an original inbox file, appending a counter
// when the name is already taken.
func moveToJetwashArchive(ctx *job.Context, path string) error {
	filename := filepath.Base(path)
	dest := filepath.Join(ctx.Folders().ArchiveJetwash(), filename)

	counter := 0
	for {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		counter++
		dest = filepath.Join(ctx.Folders().ArchiveJetwash(), fmt.Sprintf("%s_%02d", filename, counter))
	}

	return ctx.Folders().Rename(path, dest)
}

// removeIncompleteFiles deletes .inprogress files left in waiting by a
// previous job.
func removeIncompleteFiles(ctx *job.Context) error {
	entries, err := os.ReadDir(ctx.Folders().Waiting())
	if err != nil {
		return errors.Wrapf(err, "cannot read waiting %s", ctx.Folders().Waiting())
	}

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), folders.InProgress) {
			ctx.Log().Warnf("Deleting incomplete file %s", entry.Name())
			if err := os.Remove(filepath.Join(ctx.Folders().Waiting(), entry.Name())); err != nil {
				return errors.Wrapf(err, "cannot remove %s", entry.Name())
			}
		}
	}
	return nil
}
