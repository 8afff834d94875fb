// End-to-end match jobs against scratch control directories.

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/celerity"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/folders"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel
	return logger
}

// newControl creates a control directory tree and returns its folders.
func newControl(t *testing.T) *folders.Folders {
	f := folders.New(t.TempDir(), testLogger())
	require.NoError(t, f.EnsureDirsExist())
	return f
}

func writeCharter(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "charter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// writeDataFile writes a standard-form data file into the waiting folder.
func writeDataFile(t *testing.T, f *folders.Folders, name string, headers, tags []string, rows [][]string) {
	writer, err := csvutil.NewWriter(filepath.Join(f.Waiting(), name))
	require.NoError(t, err)
	require.NoError(t, writer.Write(headers))
	require.NoError(t, writer.Write(tags))
	for _, row := range rows {
		require.NoError(t, writer.Write(row))
	}
	require.NoError(t, writer.Close())
}

// latestMatched parses the newest matched report into its three elements.
func latestMatched(t *testing.T, f *folders.Folders) (map[string]interface{}, [][][]float64, map[string]interface{}) {
	entries, err := os.ReadDir(f.Matched())
	require.NoError(t, err)
	require.NotEmpty(t, entries, "no matched report was written")

	name := entries[len(entries)-1].Name()
	content, err := os.ReadFile(filepath.Join(f.Matched(), name))
	require.NoError(t, err)

	var report []json.RawMessage
	require.NoError(t, json.Unmarshal(content, &report), "matched report is not valid JSON: %s", content)
	require.Len(t, report, 3)

	var header map[string]interface{}
	require.NoError(t, json.Unmarshal(report[0], &header))

	var groupsObj struct {
		Groups [][][]float64 `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(report[1], &groupsObj))

	var footer map[string]interface{}
	require.NoError(t, json.Unmarshal(report[2], &footer))

	return header, groupsObj.Groups, footer
}

func listDir(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

var txnHeaders = []string{"OpenRecStatus", "OpenRecId", "Type", "Ref", "Date", "Amount"}
var txnTags = []string{"IN", "ID", "ST", "ST", "DT", "DE"}

func txnRow(id, typ, ref, date, amount string) []string {
	suffix := strings.Repeat("0", 12-len(id)) + id
	return []string{"0", "00000000-0000-0000-0000-" + suffix, typ, ref, date, amount}
}

const netCharter = `
name: net-test
version: 1
matching:
  use_field_prefixes: false
  source_files:
    - pattern: '.*transactions.*'
  instructions:
    - group:
        by: [Date]
        match_when:
          - nets_to_zero:
              column: Amount
              lhs: 'record["Type"] == "T1"'
              rhs: 'record["Type"] == "T2"'
`

// Simple net-to-zero match: two triples on two dates all match.
func TestSimpleNetToZeroMatch(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053000000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), netCharter)

	writeDataFile(t, f, "20211129_043300000_transactions.csv", txnHeaders, txnTags, [][]string{
		txnRow("1", "T1", "R1", "2021-11-25T00:00:00.000Z", "100.00"),
		txnRow("2", "T2", "R2", "2021-11-25T00:00:00.000Z", "75.00"),
		txnRow("3", "T2", "R3", "2021-11-25T00:00:00.000Z", "25.00"),
		txnRow("4", "T1", "R4", "2021-11-26T00:00:00.000Z", "100.00"),
		txnRow("5", "T2", "R5", "2021-11-26T00:00:00.000Z", "75.00"),
		txnRow("6", "T2", "R6", "2021-11-26T00:00:00.000Z", "25.00"),
	})

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	header, groups, footer := latestMatched(t, f)
	assert.Equal(t, []interface{}{"20211129_043300000_transactions.csv"}, header["files"])
	assert.Len(t, groups, 2)
	for _, group := range groups {
		assert.Len(t, group, 3)
	}
	assert.Empty(t, footer["unmatched"])

	// No residuals, the source file is archived, matching is empty.
	assert.Empty(t, listDir(t, f.Unmatched()))
	assert.Empty(t, listDir(t, f.Matching()))
	assert.Contains(t, listDir(t, f.ArchiveCelerity()), "20211129_043300000_transactions.csv")

	// No scratch suffixes anywhere.
	for _, dir := range []string{f.Matched(), f.Unmatched(), f.Matching()} {
		for _, name := range listDir(t, dir) {
			assert.NotContains(t, name, ".inprogress")
			assert.NotContains(t, name, ".modifying")
			assert.NotContains(t, name, ".pre_modified")
		}
	}
}

const projectionCharter = `
name: projection-test
version: 1
matching:
  use_field_prefixes: false
  source_files:
    - pattern: '.*ledger.*'
  instructions:
    - project:
        column: Amount
        as_a: Decimal
        from: |
          if record["Kind"] == "INV" then return record["InvAmount"] else return record["PayAmount"] end
    - group:
        by: [Ref]
        match_when:
          - nets_to_zero:
              column: Amount
              lhs: 'record["Kind"] == "INV"'
              rhs: 'record["Kind"] == "PAY"'
`

// Two-stage with projection: a derived Amount column reads either source
// column, all records match.
func TestProjectionThenMatch(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053100000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), projectionCharter)

	headers := []string{"OpenRecStatus", "OpenRecId", "Kind", "Ref", "InvAmount", "PayAmount"}
	tags := []string{"IN", "ID", "ST", "ST", "DE", "DE"}
	writeDataFile(t, f, "20211129_043300000_ledger.csv", headers, tags, [][]string{
		{"0", "00000000-0000-0000-0000-000000000001", "INV", "REF1", "100.00", ""},
		{"0", "00000000-0000-0000-0000-000000000002", "PAY", "REF1", "", "100.00"},
		{"0", "00000000-0000-0000-0000-000000000003", "INV", "REF2", "50.99", ""},
		{"0", "00000000-0000-0000-0000-000000000004", "PAY", "REF2", "", "50.99"},
	})

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	_, groups, footer := latestMatched(t, f)
	assert.Len(t, groups, 2)
	assert.Empty(t, footer["unmatched"])
	assert.Empty(t, listDir(t, f.Unmatched()))
}

// Unmatched residuals survive across runs and are closed out by a later
// ingest.
func TestUnmatchedResidualAcrossRuns(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053200000")
	f := newControl(t)

	charterContent := `
name: residual-test
version: 1
matching:
  use_field_prefixes: false
  source_files:
    - pattern: '.*(invoices|payments).*'
  instructions:
    - group:
        by: [Ref]
        match_when:
          - nets_to_zero:
              column: Amount
              lhs: 'record["Type"] == "INV"'
              rhs: 'record["Type"] == "PAY"'
`
	charter := writeCharter(t, f.Base(), charterContent)

	writeDataFile(t, f, "20211129_043300000_invoices.csv", txnHeaders, txnTags, [][]string{
		txnRow("1", "INV", "REF1", "2021-11-25T00:00:00.000Z", "100.00"),
		txnRow("2", "INV", "REF2", "2021-11-25T00:00:00.000Z", "50.99"),
	})
	writeDataFile(t, f, "20211129_043400000_payments.csv", txnHeaders, txnTags, [][]string{
		txnRow("3", "PAY", "REF1", "2021-11-25T00:00:00.000Z", "100.00"),
	})

	// Run A: REF1 matches, the REF2 invoice is left unmatched.
	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	_, groups, footer := latestMatched(t, f)
	assert.Len(t, groups, 1)

	unmatchedList := footer["unmatched"].([]interface{})
	require.Len(t, unmatchedList, 1)
	entry := unmatchedList[0].(map[string]interface{})
	assert.Equal(t, "20211129_043300000_invoices.unmatched.csv", entry["file"])
	assert.Equal(t, float64(1), entry["rows"])

	assert.Equal(t, []string{"20211129_043300000_invoices.unmatched.csv"}, listDir(t, f.Unmatched()))

	// The residual row still carries status '0' and no derived columns.
	residual, err := os.ReadFile(filepath.Join(f.Unmatched(), "20211129_043300000_invoices.unmatched.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(residual), `"0","00000000-0000-0000-0000-000000000002","INV","REF2"`)

	// Run B: a payment for the missing 50.99 closes the residual out.
	t.Setenv("OPENREC_FIXED_TS", "20211202_053200000")
	writeDataFile(t, f, "20211202_043300000_payments.csv", txnHeaders, txnTags, [][]string{
		txnRow("4", "PAY", "REF2", "2021-11-25T00:00:00.000Z", "50.99"),
	})

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	_, groups, footer = latestMatched(t, f)
	assert.Len(t, groups, 1)
	assert.Empty(t, footer["unmatched"])
	assert.Empty(t, listDir(t, f.Unmatched()))
	assert.Empty(t, listDir(t, f.Matching()))
}

// A changeset corrects a mismatched amount; the second run matches and the
// footer records the changeset application.
func TestChangesetUpdatesFields(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053300000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), netCharter)

	writeDataFile(t, f, "20211129_043300000_transactions.csv", txnHeaders, txnTags, [][]string{
		txnRow("1", "T1", "R1", "2021-11-25T00:00:00.000Z", "100.00"),
		txnRow("2", "T2", "R2", "2021-11-25T00:00:00.000Z", "90.00"),
	})

	// Run A: amounts don't net, both records end up unmatched.
	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))
	_, groups, _ := latestMatched(t, f)
	assert.Empty(t, groups)
	require.Len(t, listDir(t, f.Unmatched()), 1)

	// Correct the T2 amount with a changeset.
	changesetJSON := `[
  {
    "id": "2cc22618-6859-11ec-9ee6-00155dd152c4",
    "timestamp": "2021-12-01T05:33:00.000Z",
    "change": {
      "type": "UpdateFields",
      "updates": [ { "field": "Amount", "value": "100.00" } ],
      "lua_filter": "record[\"Ref\"] == \"R2\""
    }
  }
]`
	require.NoError(t, os.WriteFile(filepath.Join(f.Waiting(), "20211202_053300000_changeset.json"), []byte(changesetJSON), 0644))

	// Run B: the corrected records net to zero.
	t.Setenv("OPENREC_FIXED_TS", "20211202_053400000")
	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	_, groups, footer := latestMatched(t, f)
	assert.Len(t, groups, 1)
	assert.Empty(t, footer["unmatched"])
	assert.Empty(t, listDir(t, f.Unmatched()))

	changesetsList := footer["changesets"].([]interface{})
	require.Len(t, changesetsList, 1)
	entry := changesetsList[0].(map[string]interface{})
	assert.Equal(t, "20211202_053300000_changeset.json", entry["file"])
	assert.Equal(t, float64(1), entry["updated"])
	assert.Equal(t, float64(0), entry["ignored"])

	// The changeset has been archived and is never re-applied.
	assert.Contains(t, listDir(t, f.ArchiveCelerity()), "20211202_053300000_changeset.json")
}

const toleranceCharter = `
name: tolerance-test
version: 1
matching:
  use_field_prefixes: false
  source_files:
    - pattern: '.*transactions.*'
  instructions:
    - group:
        by: [Date]
        match_when:
          - nets_with_tolerance:
              column: Amount
              lhs: 'record["Type"] == "T1"'
              rhs: 'record["Type"] == "T2"'
              tol_type: Percent
              tolerance: '1.0'
`

// Percentage tolerance: the first triple is within 1%, the second pair is not.
func TestToleranceMatch(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053500000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), toleranceCharter)

	writeDataFile(t, f, "20211129_043300000_transactions.csv", txnHeaders, txnTags, [][]string{
		txnRow("1", "T1", "R1", "2021-11-25T00:00:00.000Z", "99.99"),
		txnRow("2", "T2", "R2", "2021-11-25T00:00:00.000Z", "75.00"),
		txnRow("3", "T2", "R3", "2021-11-25T00:00:00.000Z", "25.00"),
		txnRow("4", "T1", "R4", "2021-11-26T00:00:00.000Z", "58.99"),
		txnRow("5", "T2", "R5", "2021-11-26T00:00:00.000Z", "60.00"),
	})

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	_, groups, footer := latestMatched(t, f)
	assert.Len(t, groups, 1)

	unmatchedList := footer["unmatched"].([]interface{})
	require.Len(t, unmatchedList, 1)
	entry := unmatchedList[0].(map[string]interface{})
	assert.Equal(t, float64(2), entry["rows"])
}

// An empty data file is archived immediately and excluded from the grid.
func TestEmptyFileArchivedImmediately(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053600000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), netCharter)

	writeDataFile(t, f, "20211129_043300000_transactions.csv", txnHeaders, txnTags, nil)

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	header, groups, _ := latestMatched(t, f)
	assert.Empty(t, header["files"])
	assert.Empty(t, groups)
	assert.Contains(t, listDir(t, f.ArchiveCelerity()), "20211129_043300000_transactions.csv")
}

// No source files at all still emits a report with empty files and groups.
func TestNoSourceFiles(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053700000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), netCharter)

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	header, groups, footer := latestMatched(t, f)
	assert.Empty(t, header["files"])
	assert.Empty(t, groups)
	assert.Empty(t, footer["unmatched"])
}

// Matched status bytes are flipped in place before archival.
func TestMatchedStatusBytesFlipped(t *testing.T) {
	t.Setenv("OPENREC_FIXED_TS", "20211201_053800000")
	f := newControl(t)
	charter := writeCharter(t, f.Base(), netCharter)

	writeDataFile(t, f, "20211129_043300000_transactions.csv", txnHeaders, txnTags, [][]string{
		txnRow("1", "T1", "R1", "2021-11-25T00:00:00.000Z", "100.00"),
		txnRow("2", "T2", "R2", "2021-11-25T00:00:00.000Z", "100.00"),
		txnRow("3", "T1", "R3", "2021-11-26T00:00:00.000Z", "10.00"),
	})

	require.NoError(t, celerity.RunCharter(charter, f.Base(), testLogger()))

	archived, err := os.ReadFile(filepath.Join(f.ArchiveCelerity(), "20211129_043300000_transactions.csv"))
	require.NoError(t, err)

	content := string(archived)
	assert.Contains(t, content, `"1","00000000-0000-0000-0000-000000000001"`)
	assert.Contains(t, content, `"1","00000000-0000-0000-0000-000000000002"`)
	assert.Contains(t, content, `"0","00000000-0000-0000-0000-000000000003"`)
}
