package jetwash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/folders"
)

func runLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel
	return logger
}

const washCharter = `
name: wash-test
version: 1
matching:
  source_files:
    - pattern: '.*payments.*'
jetwash:
  source_files:
    - pattern: '^payments\.csv$'
      column_mappings:
        - dmy: Date
        - trim: Ref
      new_columns:
        - column: Kind
          as_a: String
          from: '"PAY"'
`

func washControl(t *testing.T) (*folders.Folders, string) {
	base := t.TempDir()
	f := folders.New(base, runLogger())
	require.NoError(t, f.EnsureDirsExist())

	charterPath := filepath.Join(base, "charter.yaml")
	require.NoError(t, os.WriteFile(charterPath, []byte(washCharter), 0644))
	return f, charterPath
}

func TestRunWashesInboxFile(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20220101_000000000")
	t.Setenv("OPENREC_UUID_SEED", "0")
	f, charterPath := washControl(t)

	raw := "Ref,Date,Amount\n  R1  ,25-11-2021,100.00\nR2,26/11/2021,50.99\n"
	require.NoError(t, os.WriteFile(filepath.Join(f.Inbox(), "payments.csv"), []byte(raw), 0644))

	require.NoError(t, Run(charterPath, f.Base(), runLogger()))

	// The washed copy is in waiting with a fresh timestamp prefix.
	washed, err := os.ReadFile(filepath.Join(f.Waiting(), "20220101_000000000_payments.csv"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(washed), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `"OpenRecStatus","OpenRecId","Ref","Date","Amount","Kind"`, lines[0])
	assert.Equal(t, `"IN","ID","ST","DT","DE","ST"`, lines[1])
	assert.Equal(t, `"0","00000000-0000-0000-0000-000000000000","R1","2021-11-25T00:00:00.000Z","100.00","PAY"`, lines[2])
	assert.Equal(t, `"0","00000000-0000-0000-0000-000000000001","R2","2021-11-26T00:00:00.000Z","50.99","PAY"`, lines[3])

	// The original has been archived.
	assert.Contains(t, listNames(t, f.ArchiveJetwash()), "payments.csv")
	_, err = os.Stat(filepath.Join(f.Inbox(), "payments.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunRefusesWhileFailedFilesRemain(t *testing.T) {
	f, charterPath := washControl(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.Inbox(), "payments.csv.failed"), []byte("x"), 0644))

	err := Run(charterPath, f.Base(), runLogger())
	assert.IsType(t, &PreviousFailuresError{}, err)
}

func TestRunFailsBinaryInboxFiles(t *testing.T) {
	f, charterPath := washControl(t)

	// A PNG signature sniffs as binary content.
	png := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	require.NoError(t, os.WriteFile(filepath.Join(f.Inbox(), "payments.csv"), png, 0644))

	err := Run(charterPath, f.Base(), runLogger())
	assert.IsType(t, &AnalysisErrorsError{}, err)
	assert.Contains(t, listNames(t, f.Inbox()), "payments.csv.failed")
}

func TestRunProgressesChangesets(t *testing.T) {
	f, charterPath := washControl(t)

	require.NoError(t, os.WriteFile(filepath.Join(f.Inbox(), "20220101_000000000_changeset.json"), []byte("[]"), 0644))

	require.NoError(t, Run(charterPath, f.Base(), runLogger()))
	assert.Contains(t, listNames(t, f.Waiting()), "20220101_000000000_changeset.json")
}

func listNames(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}
