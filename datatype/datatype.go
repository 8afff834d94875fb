package datatype

import (
	"fmt"
	"strings"
)

// DataType - one of the six value types carried through the engine, plus
// Unknown which only exists while the analyser is still guessing.
type DataType int

const (
	Unknown DataType = iota
	Boolean
	Datetime
	Decimal
	Integer
	String
	Uuid
)

// Canonical boolean text used on all output paths.
const (
	TrueStr  = "true"
	FalseStr = "false"
)

// Short tags written on the second (schema) row of every data file.
var shortTags = map[DataType]string{
	Unknown:  "UN",
	Boolean:  "BO",
	Datetime: "DT",
	Decimal:  "DE",
	Integer:  "IN",
	String:   "ST",
	Uuid:     "ID",
}

var longNames = map[DataType]string{
	Unknown:  "Unknown",
	Boolean:  "Boolean",
	Datetime: "Datetime",
	Decimal:  "Decimal",
	Integer:  "Integer",
	String:   "String",
	Uuid:     "Uuid",
}

func (dt DataType) String() string {
	return longNames[dt]
}

// Tag returns the two-letter schema-row tag, e.g. "DE" for Decimal.
func (dt DataType) Tag() string {
	return shortTags[dt]
}

// FromTag parses a schema-row tag. Anything unrecognised is Unknown.
func FromTag(tag string) DataType {
	for dt, t := range shortTags {
		if t == tag {
			return dt
		}
	}
	return Unknown
}

// Parse accepts the long charter form, e.g. "Decimal" in an as_a field.
func Parse(name string) (DataType, error) {
	for dt, n := range longNames {
		if strings.EqualFold(n, name) && dt != Unknown {
			return dt, nil
		}
	}
	return Unknown, fmt.Errorf("unknown data type %q", name)
}

// UnmarshalYAML lets charter fields declare types by their long name.
func (dt *DataType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*dt = parsed
	return nil
}
