package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/convert"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/schema"
)

func testEngine(t *testing.T, globalLua string) *Engine {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel
	engine, err := NewEngine(globalLua, t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func testRecord(t *testing.T, headers []string, tags []string, data []string) (*grid.Record, *schema.GridSchema) {
	gs := schema.NewGridSchema()
	fs, err := schema.NewFileSchema("", headers, tags)
	require.NoError(t, err)
	_, err = gs.AddFileSchema(fs)
	require.NoError(t, err)

	df, err := schema.NewDataFile("/tmp/20201118_053000000_invoices.csv", 0)
	require.NoError(t, err)
	fileIdx := gs.AddFile(df)

	record := grid.NewRecord(fileIdx, gs, data, csvutil.Position{Byte: 0, Line: 3}, nil, csvutil.Position{})
	return record, gs
}

func TestEvalBareExpressions(t *testing.T) {
	engine := testEngine(t, "")

	value, err := engine.EvalBool("1 + 1 == 2")
	assert.NoError(t, err)
	assert.True(t, value)

	n, err := engine.EvalInt("40 + 2")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), n)

	s, err := engine.EvalString(`"a" .. "b"`)
	assert.NoError(t, err)
	assert.Equal(t, "ab", s)
}

func TestEvalMultiStatementScripts(t *testing.T) {
	engine := testEngine(t, "")

	value, err := engine.EvalBool("local x = 5\nreturn x > 1")
	assert.NoError(t, err)
	assert.True(t, value)
}

func TestEvalBoolRejectsNonBoolean(t *testing.T) {
	engine := testEngine(t, "")
	_, err := engine.EvalBool(`"not a bool"`)
	assert.Error(t, err)
}

func TestGlobalLuaRunsFirst(t *testing.T) {
	engine := testEngine(t, "greeting = 'hello'")
	s, err := engine.EvalString("greeting")
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestDecimalArithmeticIsExact(t *testing.T) {
	engine := testEngine(t, "")

	// 0.1 + 0.2 == 0.3 fails in floats but holds for decimals.
	value, err := engine.EvalBool(`decimal("0.1") + decimal("0.2") == decimal("0.3")`)
	assert.NoError(t, err)
	assert.True(t, value)

	dec, err := engine.EvalDecimal(`decimal("100.00") - decimal("25.50")`)
	assert.NoError(t, err)
	assert.Equal(t, "74.50", convert.DecimalToString(dec))

	value, err = engine.EvalBool(`abs(decimal("-5.5")) == decimal("5.5")`)
	assert.NoError(t, err)
	assert.True(t, value)

	value, err = engine.EvalBool(`decimal(1) < decimal(2)`)
	assert.NoError(t, err)
	assert.True(t, value)
}

func TestMidnight(t *testing.T) {
	engine := testEngine(t, "")

	// 2021-12-29T03:39:00Z -> 2021-12-29T00:00:00Z.
	millis, err := engine.EvalDatetime("midnight(1640749140000)")
	assert.NoError(t, err)
	assert.Equal(t, int64(1640736000000), millis)
}

func TestLookup(t *testing.T) {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel

	lookups := t.TempDir()
	content := "\"Code\",\"Name\"\n\"GBP\",\"Pound\"\n\"USD\",\"Dollar\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(lookups, "currencies.csv"), []byte(content), 0644))

	engine, err := NewEngine("", lookups, logger)
	require.NoError(t, err)
	defer engine.Close()

	s, err := engine.EvalString(`lookup("Name", "currencies.csv", "Code", "USD")`)
	assert.NoError(t, err)
	assert.Equal(t, "Dollar", s)

	s, err = engine.EvalString(`lookup("Name", "currencies.csv", "Code", "EUR")`)
	assert.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestRecordEnvironment(t *testing.T) {
	engine := testEngine(t, "")

	record, gs := testRecord(t,
		[]string{schema.StatusHeader, "Amount", "Type", "When"},
		[]string{"IN", "DE", "ST", "DT"},
		[]string{"0", "10.99", "INV", "2021-12-29T03:39:00.000Z"})

	cols := ReferencedColumns(`record["Amount"] record["Type"] record["When"]`, gs)
	assert.Len(t, cols, 3)

	require.NoError(t, engine.SetRecord(record, cols))

	value, err := engine.EvalBool(`record["Type"] == "INV"`)
	assert.NoError(t, err)
	assert.True(t, value)

	value, err = engine.EvalBool(`record["Amount"] == decimal("10.99")`)
	assert.NoError(t, err)
	assert.True(t, value)

	value, err = engine.EvalBool(`record["META.filename"] == "20201118_053000000_invoices.csv"`)
	assert.NoError(t, err)
	assert.True(t, value)
}

func TestFilterRecords(t *testing.T) {
	engine := testEngine(t, "")

	inv, gs := testRecord(t,
		[]string{schema.StatusHeader, "Amount", "Type"},
		[]string{"IN", "DE", "ST"},
		[]string{"0", "100.00", "T1"})
	pay := grid.NewRecord(0, gs, []string{"0", "100.00", "T2"}, csvutil.Position{Line: 4}, nil, csvutil.Position{})

	filtered, err := engine.FilterRecords([]*grid.Record{inv, pay}, `record["Type"] == "T1"`, gs)
	assert.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, 3, filtered[0].Row())
}

func TestAggregates(t *testing.T) {
	engine := testEngine(t, "")

	first, gs := testRecord(t,
		[]string{schema.StatusHeader, "Amount", "Qty", "Type"},
		[]string{"IN", "DE", "IN", "ST"},
		[]string{"0", "100.00", "5", "T1"})
	second := grid.NewRecord(0, gs, []string{"0", "75.50", "3", "T2"}, csvutil.Position{Line: 4}, nil, csvutil.Position{})
	third := grid.NewRecord(0, gs, []string{"0", "24.50", "2", "T2"}, csvutil.Position{Line: 5}, nil, csvutil.Position{})

	var cols []schema.Column
	for _, header := range gs.Headers() {
		col, ok := gs.Column(header)
		require.True(t, ok)
		cols = append(cols, col)
	}
	require.NoError(t, engine.SetRecords([]*grid.Record{first, second, third}, cols))

	n, err := engine.EvalInt(`count(function (r) return r["Type"] == "T2" end, records)`)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := engine.EvalBool(`sum("Amount", function (r) return r["Type"] == "T2" end, records) == decimal("100.00")`)
	assert.NoError(t, err)
	assert.True(t, ok)

	n, err = engine.EvalInt(`sum_int("Qty", function (r) return true end, records)`)
	assert.NoError(t, err)
	assert.Equal(t, int64(10), n)

	ok, err = engine.EvalBool(`max("Amount", function (r) return true end, records) == decimal("100.00")`)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = engine.EvalBool(`min("Amount", function (r) return true end, records) == decimal("24.50")`)
	assert.NoError(t, err)
	assert.True(t, ok)

	n, err = engine.EvalInt(`min_int("Qty", function (r) return true end, records)`)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = engine.EvalInt(`max_int("Qty", function (r) return true end, records)`)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestReferencedColumnsIgnoresUnknownHeaders(t *testing.T) {
	_, gs := testRecord(t,
		[]string{schema.StatusHeader, "Amount"},
		[]string{"IN", "DE"},
		[]string{"0", "1.00"})

	cols := ReferencedColumns(`record["Amount"] + record["Nope"]`, gs)
	require.Len(t, cols, 1)
	assert.Equal(t, "Amount", cols[0].Header())

	assert.Empty(t, ReferencedColumns("no record access here", gs))
}

func TestDatetimeValuesAreEpochMillis(t *testing.T) {
	engine := testEngine(t, "")

	record, gs := testRecord(t,
		[]string{schema.StatusHeader, "When"},
		[]string{"IN", "DT"},
		[]string{"0", "2021-12-29T03:39:00.000Z"})

	require.NoError(t, engine.SetRecord(record, ReferencedColumns(`record["When"]`, gs)))

	millis, err := engine.EvalDatetime(`record["When"]`)
	assert.NoError(t, err)
	assert.Equal(t, int64(1640749140000), millis)

	millis, err = engine.EvalDatetime(`midnight(record["When"])`)
	assert.NoError(t, err)
	assert.Equal(t, int64(1640736000000), millis)

	assert.Equal(t, datatype.Datetime, mustCol(t, gs, "When").DataType())
}

func mustCol(t *testing.T, gs *schema.GridSchema, header string) schema.Column {
	col, ok := gs.Column(header)
	require.True(t, ok)
	return col
}
