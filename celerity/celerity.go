package celerity

// The match engine. A run progresses through the linear phases described in
// the job package - any error suspends the job at that phase and the next
// run's folder initialisation makes a retry safe.

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/changeset"
	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/folders"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/job"
	"github.com/openrec/openrec/matching"
	"github.com/openrec/openrec/script"
)

// RunCharter creates a new match job and runs the charter against the
// control directory.
//
// If this library is used as part of a wider solution, care must be taken
// to synchronise match jobs so only one runs against a given charter/folder
// of data at any one time.
func RunCharter(charterPath, baseDir string, log *logrus.Logger) error {
	charter, err := config.Load(charterPath)
	if err != nil {
		return err
	}

	ctx := job.New(charter, folders.Canonical(charterPath), baseDir, log)

	log.Info("Starting match job:")
	log.Infof("    Job ID: %s", ctx.JobID())
	log.Infof("   Charter: %s (v%d)", charter.Name, charter.Version)
	log.Infof("  Base dir: %s", folders.Canonical(baseDir))

	ctx.SetPhase(job.FolderInitialisation)
	if err := initFolders(ctx); err != nil {
		return err
	}

	ctx.SetPhase(job.ApplyChangeSets)
	engine, err := script.NewEngine(charter.GlobalLua, ctx.Folders().Lookups(), log)
	if err != nil {
		return err
	}
	defer engine.Close()

	g, changesets, err := applyChangesets(ctx, engine)
	if err != nil {
		return err
	}

	if charter.Debug {
		pipelineGraph(ctx)
	}

	ctx.SetPhase(job.DeriveSchema)
	projectionCols, writers, err := createDerivedSchema(ctx, g)
	if err != nil {
		return err
	}

	ctx.SetPhase(job.DeriveData)
	if err := deriveData(ctx, g, projectionCols, writers); err != nil {
		return err
	}

	ctx.SetPhase(job.MatchAndGroup)
	matched, unmatched, err := matchAndGroup(ctx, g, engine)
	if err != nil {
		return err
	}

	ctx.SetPhase(job.CompleteAndArchive)
	if err := completeAndArchive(ctx, g, matched, unmatched, changesets); err != nil {
		return err
	}

	ctx.SetPhase(job.Complete)
	return nil
}

// initFolders prepares the working folders before loading data.
func initFolders(ctx *job.Context) error {
	if err := ctx.Folders().EnsureDirsExist(); err != nil {
		return err
	}

	// Remove scratch output from any failed previous run.
	if err := ctx.Folders().RollbackAnyIncomplete(); err != nil {
		return err
	}

	// Move waiting and residual unmatched files into the matching folder.
	return ctx.Folders().ProgressToMatching()
}

// applyChangesets loads any pending changesets, excludes IgnoreFile'd files
// from the grid, applies record-level edits and re-sources the grid if any
// data was modified.
func applyChangesets(ctx *job.Context, engine *script.Engine) (*grid.Grid, []*changeset.ChangeSet, error) {
	changesets, err := changeset.Load(ctx)
	if err != nil {
		return nil, nil, err
	}

	// IgnoreFile changes exclude the named files for this run only.
	ignored := changeset.IgnoredFiles(changesets)

	g, err := grid.Load(ctx, ignored)
	if err != nil {
		return nil, nil, err
	}

	if len(changesets) > 0 {
		debugGrid(ctx, g, 1)

		applied, err := changeset.Apply(ctx, g, changesets, engine)
		if err != nil {
			return nil, nil, err
		}

		// Archive the changesets BEFORE any downstream phase so a retry can
		// never re-apply them.
		if err := changeset.ArchiveChangesets(ctx); err != nil {
			return nil, nil, err
		}

		if applied {
			// Re-source the grid from the modified files.
			g, err = grid.Load(ctx, ignored)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	return g, changesets, nil
}

// matchAndGroup runs every Group instruction through the external-sort match
// pipeline.
func matchAndGroup(ctx *job.Context, g *grid.Grid, engine *script.Engine) (*matching.MatchedHandler, *matching.UnmatchedHandler, error) {
	// The matched file holds job details and accumulates match results.
	matched, err := matching.NewMatchedHandler(ctx, g)
	if err != nil {
		return nil, nil, err
	}

	// Residual files for each sourced file.
	unmatched, err := matching.NewUnmatchedHandler(ctx, g)
	if err != nil {
		return nil, nil, err
	}

	debugGrid(ctx, g, 0)

	for idx, inst := range ctx.Charter().Matching.Instructions {
		if inst.Group == nil {
			continue
		}
		if err := matching.MatchGroups(ctx, inst.Group.By, inst.Group.MatchWhen, g, matched, engine); err != nil {
			return nil, nil, err
		}
		debugGrid(ctx, g, idx)
	}

	return matched, unmatched, nil
}

// completeAndArchive writes the residual records, finalises the matched file
// and moves the sourced data to the archive.
func completeAndArchive(ctx *job.Context, g *grid.Grid, matched *matching.MatchedHandler, unmatched *matching.UnmatchedHandler, changesets []*changeset.ChangeSet) error {
	if err := unmatched.WriteRecords(ctx, g); err != nil {
		return err
	}

	duration := time.Since(ctx.Started())

	if err := matched.Complete(unmatched.Summaries(), changesets, duration); err != nil {
		return err
	}

	debugGrid(ctx, g, 1)

	if err := progressToArchive(ctx, g); err != nil {
		return err
	}

	// Log a warning for anything left in matching at the end of a job.
	leftOvers, err := os.ReadDir(ctx.Folders().Matching())
	if err == nil && len(leftOvers) > 0 {
		names := ""
		for _, entry := range leftOvers {
			names += "\n" + entry.Name()
		}
		ctx.Log().Warnf("The following files were still in the matching folder at the end of the job:%s", names)
	}

	ctx.Log().Infof("Completed match job %s in %s", ctx.JobID(), duration.Round(time.Millisecond))
	return nil
}

// progressToArchive archives the sourced data files (or deletes them when
// the charter opts out), and removes derived and stale residual files.
func progressToArchive(ctx *job.Context, g *grid.Grid) error {
	entries, err := os.ReadDir(ctx.Folders().Matching())
	if err != nil {
		return err
	}

	inGrid := map[string]*int{}
	for idx, file := range g.Schema().Files() {
		i := idx
		inGrid[file.Filename()] = &i
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(ctx.Folders().Matching(), name)

		switch {
		case folders.IsUnmatchedDataFile(name) || folders.IsDerivedFile(name):
			// Residual inputs have been rewritten to the unmatched folder
			// and derived data is per-run scratch - delete both.
			if err := ctx.Folders().RemoveFile(path); err != nil {
				return err
			}

		case folders.IsDataFile(name):
			idx, ok := inGrid[name]
			if !ok {
				continue // Not sourced this run (e.g. an IgnoreFile'd file).
			}
			file := g.Schema().Files()[*idx]

			if !ctx.Charter().ShouldArchiveFiles() {
				if err := ctx.Folders().RemoveFile(path); err != nil {
					return err
				}
				continue
			}
			if file.ArchivedAs() != "" {
				continue // Already archived by the changeset processor.
			}
			archivedAs, err := ctx.Folders().ArchiveDataFile(path)
			if err != nil {
				return err
			}
			file.SetArchivedAs(archivedAs)
		}
	}

	return nil
}
