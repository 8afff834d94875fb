package csvutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterQuotesEveryField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	writer, err := NewWriter(path)
	require.NoError(t, err)

	assert.NoError(t, writer.Write([]string{"0", "abc", "10.99"}))
	assert.NoError(t, writer.Write([]string{"1", `say "hi"`, ""}))
	assert.NoError(t, writer.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\"0\",\"abc\",\"10.99\"\n\"1\",\"say \"\"hi\"\"\",\"\"\n", string(content))
}

func TestReaderTracksPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	writer, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, writer.Write([]string{"Header"}))
	require.NoError(t, writer.Write([]string{"ST"}))
	require.NoError(t, writer.Write([]string{"aaa"}))
	require.NoError(t, writer.Write([]string{"bbb"}))
	require.NoError(t, writer.Close())

	reader, err := NewReader(path, 2)
	require.NoError(t, err)
	defer reader.Close()

	record, pos, err := reader.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa"}, record)
	assert.Equal(t, 3, pos.Line)
	assert.Equal(t, int64(len("\"Header\"\n\"ST\"\n")), pos.Byte)

	record, pos2, err := reader.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"bbb"}, record)
	assert.Equal(t, 4, pos2.Line)

	_, _, err = reader.Read()
	assert.ErrorIs(t, err, io.EOF)

	// Seek back to the first data row with a fresh reader.
	seeker, err := NewReader(path, 0)
	require.NoError(t, err)
	defer seeker.Close()

	record, err = seeker.Seek(pos)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa"}, record)

	record, err = seeker.Seek(pos2)
	require.NoError(t, err)
	assert.Equal(t, []string{"bbb"}, record)
}

func TestStatusByteIsSecondByteOfRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	writer, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, writer.Write([]string{"OpenRecStatus", "Amount"}))
	require.NoError(t, writer.Write([]string{"IN", "DE"}))
	require.NoError(t, writer.Write([]string{"0", "10.99"}))
	require.NoError(t, writer.Close())

	reader, err := NewReader(path, 2)
	require.NoError(t, err)
	_, pos, err := reader.Read()
	require.NoError(t, err)
	reader.Close()

	// Flip the status byte in place, skipping the leading quote.
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte{'1'}, pos.Byte+1)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	seeker, err := NewReader(path, 2)
	require.NoError(t, err)
	defer seeker.Close()
	record, _, err := seeker.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "10.99"}, record)
}
