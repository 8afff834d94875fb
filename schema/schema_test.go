package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/datatype"
)

func fileSchema(t *testing.T, prefix string, headers ...string) *FileSchema {
	tags := make([]string, len(headers))
	for idx := range headers {
		tags[idx] = "ST"
	}
	fs, err := NewFileSchema(prefix, headers, tags)
	require.NoError(t, err)
	return fs
}

func TestStatusColumnRequired(t *testing.T) {
	_, err := NewFileSchema("", []string{"Amount"}, []string{"DE"})
	assert.IsType(t, &StatusColumnMissingError{}, err)
}

func TestSchemaRowMustCoverEveryHeader(t *testing.T) {
	_, err := NewFileSchema("", []string{StatusHeader, "Amount"}, []string{"IN"})
	assert.IsType(t, &NoSchemaTypeForColumnError{}, err)
}

func TestPrefixQualifiesHeaders(t *testing.T) {
	fs := fileSchema(t, "INV", StatusHeader, "Amount")
	assert.Equal(t, "INV.Amount", fs.Columns()[1].Header())
	assert.Equal(t, "Amount", fs.Columns()[1].HeaderNoPrefix())
}

func TestHeadersFromFilesWithPrefixesCantClash(t *testing.T) {
	gs := NewGridSchema()

	_, err := gs.AddFileSchema(fileSchema(t, "FS1", StatusHeader, "COLA", "COLB"))
	require.NoError(t, err)
	_, err = gs.AddFileSchema(fileSchema(t, "FS2", StatusHeader, "COLA", "COLB"))
	require.NoError(t, err)

	assert.Len(t, gs.Headers(), 6)
}

func TestHeadersFromFilesWithoutPrefixesCanClash(t *testing.T) {
	gs := NewGridSchema()

	_, err := gs.AddFileSchema(fileSchema(t, "", StatusHeader, "COLA"))
	require.NoError(t, err)

	// A different schema with a common header is rejected.
	other, err := NewFileSchema("", []string{StatusHeader, "COLA"}, []string{"ST", "BO"})
	require.NoError(t, err)
	_, err = gs.AddFileSchema(other)
	assert.IsType(t, &TwoSchemaWithDuplicateHeaderError{}, err)
}

func TestEqualSchemasShareAnIndex(t *testing.T) {
	gs := NewGridSchema()

	first, err := gs.AddFileSchema(fileSchema(t, "", StatusHeader, "COLA"))
	require.NoError(t, err)
	second, err := gs.AddFileSchema(fileSchema(t, "", StatusHeader, "COLA"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, gs.FileSchemas(), 1)
}

func TestCannotProjectDuplicateName(t *testing.T) {
	gs := NewGridSchema()
	_, err := gs.AddFileSchema(fileSchema(t, "FS1", StatusHeader, "COLA"))
	require.NoError(t, err)

	_, err = gs.AddProjectedColumn(NewColumn("COLA", "FS1", datatype.String))
	assert.IsType(t, &ProjectedColumnExistsError{}, err)
}

func TestCannotMergeDuplicateName(t *testing.T) {
	gs := NewGridSchema()
	_, err := gs.AddFileSchema(fileSchema(t, "FS1", StatusHeader, "COLA"))
	require.NoError(t, err)

	_, err = gs.AddMergedColumn(NewColumn("COLA", "FS1", datatype.String))
	assert.IsType(t, &MergedColumnExistsError{}, err)
}

func TestPositionsAreSignedByOrigin(t *testing.T) {
	gs := NewGridSchema()
	_, err := gs.AddFileSchema(fileSchema(t, "", StatusHeader, "COLA", "COLB"))
	require.NoError(t, err)

	df, err := NewDataFile("/tmp/20201118_053000000_invoices.csv", 0)
	require.NoError(t, err)
	fileIdx := gs.AddFile(df)

	_, err = gs.AddProjectedColumn(NewColumn("DERIVED1", "", datatype.Decimal))
	require.NoError(t, err)
	_, err = gs.AddMergedColumn(NewColumn("DERIVED2", "", datatype.Decimal))
	require.NoError(t, err)

	pos, ok := gs.Position(StatusHeader, fileIdx)
	assert.True(t, ok)
	assert.Equal(t, 0, pos)

	pos, ok = gs.Position("COLB", fileIdx)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	pos, ok = gs.Position("DERIVED1", fileIdx)
	assert.True(t, ok)
	assert.Equal(t, -1, pos)

	pos, ok = gs.Position("DERIVED2", fileIdx)
	assert.True(t, ok)
	assert.Equal(t, -2, pos)

	_, ok = gs.Position("MISSING", fileIdx)
	assert.False(t, ok)
}

func TestDataFilePaths(t *testing.T) {
	df, err := NewDataFile("/data/matching/20201118_053000000_invoices.unmatched.csv", 3)
	require.NoError(t, err)

	assert.Equal(t, "invoices", df.Shortname())
	assert.Equal(t, "20201118_053000000", df.Timestamp())
	assert.Equal(t, 3, df.SchemaIdx())
	assert.True(t, df.IsUnmatched())
	assert.Equal(t, "/data/matching/20201118_053000000_invoices.unmatched.csv.derived.csv", df.DerivedPath())
	assert.Equal(t, "/data/matching/20201118_053000000_invoices.unmatched.csv.modifying", df.ModifyingPath())

	_, err = NewDataFile("/data/matching/invoices.csv", 0)
	assert.Error(t, err)
}
