package job

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/folders"
)

// Phase - the linear state transitions of a match job. Any error suspends
// the job at that phase; the next run's folder initialisation makes a retry
// safe.
type Phase int

const (
	FolderInitialisation Phase = iota + 1
	ApplyChangeSets
	DeriveSchema
	DeriveData
	MatchAndGroup
	CompleteAndArchive
	Complete
)

func (p Phase) String() string {
	switch p {
	case FolderInitialisation:
		return "FolderInitialisation"
	case ApplyChangeSets:
		return "ApplyChangeSets"
	case DeriveSchema:
		return "DeriveSchema"
	case DeriveData:
		return "DeriveData"
	case MatchAndGroup:
		return "MatchAndGroup"
	case CompleteAndArchive:
		return "CompleteAndArchive"
	case Complete:
		return "Complete"
	}
	return "Unknown"
}

// Context is created for each job and passes the top-level job 'things'
// around: id, charter, folders, timestamp and the current phase.
type Context struct {
	started     time.Time
	jobID       uuid.UUID
	charter     *config.Charter
	charterPath string
	folders     *folders.Folders
	timestamp   string
	phase       Phase
	log         *logrus.Logger
}

// New creates a job context. The job id can be forced via
// OPENREC_FIXED_JOB_ID for deterministic test output.
func New(charter *config.Charter, charterPath, baseDir string, log *logrus.Logger) *Context {
	jobID := uuid.New()
	if fixed := os.Getenv("OPENREC_FIXED_JOB_ID"); fixed != "" {
		jobID = uuid.MustParse(fixed)
	}

	return &Context{
		started:     time.Now(),
		jobID:       jobID,
		charter:     charter,
		charterPath: charterPath,
		folders:     folders.New(baseDir, log),
		timestamp:   folders.NewTimestamp(),
		phase:       FolderInitialisation,
		log:         log,
	}
}

func (ctx *Context) Started() time.Time        { return ctx.started }
func (ctx *Context) JobID() uuid.UUID          { return ctx.jobID }
func (ctx *Context) Charter() *config.Charter  { return ctx.charter }
func (ctx *Context) CharterPath() string       { return ctx.charterPath }
func (ctx *Context) Folders() *folders.Folders { return ctx.folders }
func (ctx *Context) Ts() string                { return ctx.timestamp }
func (ctx *Context) Phase() Phase              { return ctx.phase }
func (ctx *Context) SetPhase(phase Phase)      { ctx.phase = phase }
func (ctx *Context) Log() *logrus.Logger       { return ctx.log }

// FormattedDuration returns a human duration and a per-item rate string.
func FormattedDuration(count int, elapsed time.Duration) (string, string) {
	if count == 0 {
		count = 1
	}
	rate := elapsed / time.Duration(count)
	return elapsed.Round(time.Millisecond).String(), fmt.Sprintf("%v/row", rate.Round(time.Microsecond))
}
