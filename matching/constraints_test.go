package matching

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/csvutil"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/schema"
	"github.com/openrec/openrec/script"
)

func testEngine(t *testing.T) *script.Engine {
	logger := logrus.New()
	logger.Level = logrus.PanicLevel
	engine, err := script.NewEngine("", t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

// testGroup builds an in-memory group of (Type, Amount) records.
func testGroup(t *testing.T, rows ...[2]string) ([]*grid.Record, *schema.GridSchema) {
	gs := schema.NewGridSchema()
	fs, err := schema.NewFileSchema("",
		[]string{schema.StatusHeader, schema.IdHeader, "Type", "Amount"},
		[]string{"IN", "ID", "ST", "DE"})
	require.NoError(t, err)
	_, err = gs.AddFileSchema(fs)
	require.NoError(t, err)

	df, err := schema.NewDataFile("/tmp/20201118_053000000_txns.csv", 0)
	require.NoError(t, err)
	fileIdx := gs.AddFile(df)

	records := make([]*grid.Record, 0, len(rows))
	for idx, row := range rows {
		data := []string{"0", "00000000-0000-0000-0000-000000000000", row[0], row[1]}
		records = append(records, grid.NewRecord(fileIdx, gs, data, csvutil.Position{Line: 3 + idx}, nil, csvutil.Position{}))
	}
	return records, gs
}

func netsToZero(column string) *config.Constraint {
	return &config.Constraint{NetsToZero: &config.NetsToZero{
		Column: column,
		Lhs:    `record["Type"] == "T1"`,
		Rhs:    `record["Type"] == "T2"`,
	}}
}

func TestNetsToZeroMatches(t *testing.T) {
	records, gs := testGroup(t, [2]string{"T1", "100.00"}, [2]string{"T2", "75.00"}, [2]string{"T2", "25.00"})

	pass, err := Passes(netsToZero("Amount"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass)
}

func TestNetsToZeroFailsOnImbalance(t *testing.T) {
	records, gs := testGroup(t, [2]string{"T1", "100.00"}, [2]string{"T2", "75.00"})

	pass, err := Passes(netsToZero("Amount"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.False(t, pass)
}

func TestNetsToZeroRequiresBothSides(t *testing.T) {
	// Sums are equal (both zero-sum on one side is absent) but rhs is empty.
	records, gs := testGroup(t, [2]string{"T1", "50.00"}, [2]string{"T1", "-50.00"})

	pass, err := Passes(netsToZero("Amount"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.False(t, pass)
}

func TestNetsToZeroTakesAbsoluteValuePerSide(t *testing.T) {
	// A negated side still matches: |100| == |-100|.
	records, gs := testGroup(t, [2]string{"T1", "100.00"}, [2]string{"T2", "-100.00"})

	pass, err := Passes(netsToZero("Amount"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass)
}

func TestNetsToZeroRejectsNonNumericColumn(t *testing.T) {
	records, gs := testGroup(t, [2]string{"T1", "100.00"}, [2]string{"T2", "100.00"})

	_, err := Passes(netsToZero("Type"), records, gs, testEngine(t))
	assert.IsType(t, &CannotUseTypeForContstraintError{}, err)

	_, err = Passes(netsToZero("Missing"), records, gs, testEngine(t))
	assert.IsType(t, &ConstraintColumnMissingError{}, err)
}

func netsWithTolerance(tolType, tolerance string) *config.Constraint {
	con := &config.NetsWithTolerance{
		Column:       "Amount",
		Lhs:          `record["Type"] == "T1"`,
		Rhs:          `record["Type"] == "T2"`,
		TolType:      tolType,
		RawTolerance: tolerance,
	}
	// Parse the raw tolerance the way charter loading does.
	if tol, err := decimal.NewFromString(tolerance); err == nil {
		con.Tolerance = tol
	}
	return &config.Constraint{NetsWithTolerance: con}
}

func TestNetsWithAmountTolerance(t *testing.T) {
	records, gs := testGroup(t, [2]string{"T1", "100.00"}, [2]string{"T2", "99.50"})

	pass, err := Passes(netsWithTolerance(config.ToleranceAmount, "0.50"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass)

	pass, err = Passes(netsWithTolerance(config.ToleranceAmount, "0.49"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.False(t, pass)
}

func TestNetsWithPercentTolerance(t *testing.T) {
	// 99.99 vs 100.00 - within 1% of 99.99.
	records, gs := testGroup(t, [2]string{"T1", "99.99"}, [2]string{"T2", "75.00"}, [2]string{"T2", "25.00"})

	pass, err := Passes(netsWithTolerance(config.TolerancePercent, "1.0"), records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass)

	// 58.99 vs nothing on the other side fails regardless.
	lonely, gs2 := testGroup(t, [2]string{"T1", "58.99"})
	pass, err = Passes(netsWithTolerance(config.TolerancePercent, "1.0"), lonely, gs2, testEngine(t))
	assert.NoError(t, err)
	assert.False(t, pass)
}

func TestCustomConstraint(t *testing.T) {
	records, gs := testGroup(t, [2]string{"T1", "100.00"}, [2]string{"T2", "100.00"})

	constraint := &config.Constraint{Custom: &config.CustomConstraint{
		Script: `count(function (r) return r["Type"] == "T1" end, records) == 1`,
	}}
	pass, err := Passes(constraint, records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass)

	constraint = &config.Constraint{Custom: &config.CustomConstraint{
		Script: `sum("Amount", function (r) return true end, records) == decimal("200.00")`,
	}}
	pass, err = Passes(constraint, records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass)
}

func TestCustomConstraintRestrictedFields(t *testing.T) {
	records, gs := testGroup(t, [2]string{"T1", "100.00"})

	constraint := &config.Constraint{Custom: &config.CustomConstraint{
		Script: `records[1]["Amount"] == nil`,
		Fields: []string{"Type"},
	}}
	pass, err := Passes(constraint, records, gs, testEngine(t))
	assert.NoError(t, err)
	assert.True(t, pass, "restricted fields should hide Amount")
}
