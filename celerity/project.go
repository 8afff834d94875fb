package celerity

import (
	"fmt"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/convert"
	"github.com/openrec/openrec/datatype"
	"github.com/openrec/openrec/grid"
	"github.com/openrec/openrec/schema"
	"github.com/openrec/openrec/script"
)

// projectColumn evaluates one Project instruction for one record and
// appends the result to the record's derived buffer.
//
// The optional when script gates the eval script, so values irrelevant to a
// record can be skipped without verbose scripts - a blank is appended
// instead to keep the derived columns aligned.
func projectColumn(engine *script.Engine, project *config.ProjectInstruction, record *grid.Record, availCols []schema.Column) error {
	if err := engine.SetRecord(record, availCols); err != nil {
		return err
	}

	if project.When != "" {
		wanted, err := engine.EvalBool(project.When)
		if err != nil {
			return err
		}
		if !wanted {
			record.AppendString("")
			return nil
		}
	}

	switch project.AsA {
	case datatype.Boolean:
		value, err := engine.EvalBool(project.From)
		if err != nil {
			return err
		}
		record.AppendBool(value)
	case datatype.Datetime:
		value, err := engine.EvalDatetime(project.From)
		if err != nil {
			return err
		}
		record.AppendDatetime(value)
	case datatype.Decimal:
		value, err := engine.EvalDecimal(project.From)
		if err != nil {
			return err
		}
		record.AppendDecimal(value)
	case datatype.Integer:
		value, err := engine.EvalInt(project.From)
		if err != nil {
			return err
		}
		record.AppendInt(value)
	case datatype.String:
		value, err := engine.EvalString(project.From)
		if err != nil {
			return err
		}
		record.AppendString(value)
	case datatype.Uuid:
		value, err := engine.EvalString(project.From)
		if err != nil {
			return err
		}
		parsed, err := convert.StringToUuid(value)
		if err != nil {
			return err
		}
		record.AppendUuid(parsed)
	default:
		return fmt.Errorf("cannot project column %s as %s", project.Column, project.AsA)
	}

	return nil
}
