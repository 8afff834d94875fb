package main

// openrec command
// Runs a reconciliation charter against a control directory: -
//   * jetwash washes any inbox files into standard-form waiting files
//   * celerity applies changesets, derives columns, matches groups and
//     writes the matched report plus residual unmatched files
//
// Design:
// A control directory is a pipeline of folders (inbox -> waiting ->
// matching -> matched/unmatched/archive). All transitions are renames, all
// outputs are written under an .inprogress suffix until complete, so a
// crashed job can always be retried - the next run cleans the scratch.

import (
	"os"
	"strings"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/openrec/openrec/celerity"
	"github.com/openrec/openrec/jetwash"
)

var version = "0.1.0"

func main() {
	var (
		charter = kingpin.Arg(
			"charter",
			"YAML charter describing the reconciliation.",
		).Required().String()
		controlDir = kingpin.Arg(
			"control",
			"Control directory to process.",
		).Required().String()
		debug = kingpin.Flag(
			"debug",
			"Enable debugging level.",
		).Int()
		skipJetwash = kingpin.Flag(
			"skip.jetwash",
			"Don't wash inbox files before matching.",
		).Bool()
		skipMatching = kingpin.Flag(
			"skip.matching",
			"Wash inbox files but don't run the match engine.",
		).Bool()
		profiling = kingpin.Flag(
			"profile",
			"Write a memory profile for this run.",
		).Bool()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version)
	kingpin.CommandLine.Help = "Matches transactions across delimited data files and reports matched groups and residuals\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if *profiling {
		defer profile.Start(profile.MemProfile).Stop()
	}

	logger := logrus.New()
	logger.Level = logLevel()
	if *debug > 0 {
		logger.Level = logrus.DebugLevel
	}
	if *debug > 1 {
		logger.Level = logrus.TraceLevel
	}

	if !*skipJetwash {
		if err := jetwash.Run(*charter, *controlDir, logger); err != nil {
			logger.Errorf("jetwash job failed: %v", err)
			os.Exit(1)
		}
	}

	if !*skipMatching {
		if err := celerity.RunCharter(*charter, *controlDir, logger); err != nil {
			logger.Errorf("match job failed: %v", err)
			os.Exit(1)
		}
	}
}

// logLevel maps the OPENREC_LOG environment variable to a logrus level.
func logLevel() logrus.Level {
	switch strings.ToLower(os.Getenv("OPENREC_LOG")) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "off":
		return logrus.PanicLevel
	}
	return logrus.InfoLevel
}
