package matching

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/schema"
	"github.com/openrec/openrec/script"
)

// ConstraintColumnMissingError - the netting column isn't in the grid.
type ConstraintColumnMissingError struct {
	Column string
}

func (e *ConstraintColumnMissingError) Error() string {
	return fmt.Sprintf("the constraint column %s is not present", e.Column)
}

// CannotUseTypeForContstraintError - netting needs a numeric column.
type CannotUseTypeForContstraintError struct {
	Column  string
	ColType datatype.DataType
}

func (e *CannotUseTypeForContstraintError) Error() string {
	return fmt.Sprintf("the column %s cannot be used in a constraint, its data-type is %s, only integers and decimals are supported", e.Column, e.ColType)
}

// CustomConstraintError wraps a failure in a custom Lua constraint.
type CustomConstraintError struct {
	Reason string
	Err    error
}

func (e *CustomConstraintError) Error() string {
	return fmt.Sprintf("error in custom Lua constraint: %s: %v", e.Reason, e.Err)
}

// Passes evaluates one constraint against the group.
func Passes(constraint *config.Constraint, records []*grid.Record, gs *schema.GridSchema, engine *script.Engine) (bool, error) {
	switch {
	case constraint.NetsToZero != nil:
		con := constraint.NetsToZero
		if err := checkNettable(con.Column, gs); err != nil {
			return false, err
		}
		// Note the absolute value is taken of each side's sum before they
		// are compared, so a signed mix within one side nets internally.
		return net(con.Column, con.Lhs, con.Rhs, records, gs, engine, func(lhsSum, rhsSum decimal.Decimal) bool {
			return lhsSum.Abs().Sub(rhsSum.Abs()).Abs().IsZero()
		})

	case constraint.NetsWithTolerance != nil:
		con := constraint.NetsWithTolerance
		if err := checkNettable(con.Column, gs); err != nil {
			return false, err
		}

		var checker func(lhsSum, rhsSum decimal.Decimal) bool
		switch con.TolType {
		case config.ToleranceAmount:
			checker = func(lhsSum, rhsSum decimal.Decimal) bool {
				return lhsSum.Abs().Sub(rhsSum.Abs()).Abs().LessThanOrEqual(con.Tolerance)
			}
		case config.TolerancePercent:
			checker = func(lhsSum, rhsSum decimal.Decimal) bool {
				percentTol := lhsSum.Abs().Mul(con.Tolerance).Div(decimal.NewFromInt(100))
				return lhsSum.Abs().Sub(rhsSum.Abs()).Abs().LessThanOrEqual(percentTol)
			}
		}
		return net(con.Column, con.Lhs, con.Rhs, records, gs, engine, checker)

	case constraint.Custom != nil:
		return custom(constraint.Custom, records, gs, engine)
	}

	return false, fmt.Errorf("constraint has no variant set")
}

func checkNettable(column string, gs *schema.GridSchema) error {
	colType, ok := gs.DataType(column)
	if !ok {
		return &ConstraintColumnMissingError{Column: column}
	}
	if colType != datatype.Decimal && colType != datatype.Integer {
		return &CannotUseTypeForContstraintError{Column: column, ColType: colType}
	}
	return nil
}

// net partitions the group with the lhs and rhs filters, sums the netting
// column on both sides and applies the checker. Both sides must be
// non-empty for the group to match.
func net(column, lhs, rhs string, records []*grid.Record, gs *schema.GridSchema, engine *script.Engine, checker func(lhsSum, rhsSum decimal.Decimal) bool) (bool, error) {
	lhsRecs, err := engine.FilterRecords(records, lhs, gs)
	if err != nil {
		return false, err
	}
	rhsRecs, err := engine.FilterRecords(records, rhs, gs)
	if err != nil {
		return false, err
	}

	lhsSum, err := sumColumn(column, lhsRecs)
	if err != nil {
		return false, err
	}
	rhsSum, err := sumColumn(column, rhsRecs)
	if err != nil {
		return false, err
	}

	return checker(lhsSum, rhsSum) && len(lhsRecs) > 0 && len(rhsRecs) > 0, nil
}

// sumColumn totals the column over the records - absent cells count zero.
func sumColumn(column string, records []*grid.Record) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, record := range records {
		value, ok, err := record.GetDecimal(column)
		if err != nil {
			return decimal.Zero, err
		}
		if ok {
			sum = sum.Add(value)
		}
	}
	return sum, nil
}

// custom evaluates an entirely scripted constraint against the group. The
// script sees a 1-indexed 'records' table and must return a boolean.
func custom(con *config.CustomConstraint, records []*grid.Record, gs *schema.GridSchema, engine *script.Engine) (bool, error) {
	var availCols []schema.Column
	if len(con.Fields) > 0 {
		wanted := map[string]bool{}
		for _, field := range con.Fields {
			wanted[field] = true
		}
		for _, header := range gs.Headers() {
			if wanted[header] {
				if col, ok := gs.Column(header); ok {
					availCols = append(availCols, col)
				}
			}
		}
	} else {
		// No restriction - provide every column to the script.
		for _, header := range gs.Headers() {
			if col, ok := gs.Column(header); ok {
				availCols = append(availCols, col)
			}
		}
	}

	if err := engine.SetRecords(records, availCols); err != nil {
		return false, err
	}

	result, err := engine.EvalBool(con.Script)
	if err != nil {
		return false, &CustomConstraintError{Reason: "script evaluation failed", Err: err}
	}
	return result, nil
}
