package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v2"

	"github.com/openrec/openrec/datatype"
)

// Charter for one reconciliation control. The matching section drives the
// celerity match engine, the optional jetwash section drives the washer.
type Charter struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Version        uint64   `yaml:"version"` // Epoch millis at UTC.
	Debug          bool     `yaml:"debug"`
	GlobalLua      string   `yaml:"global_lua"`
	MemoryLimit    int      `yaml:"memory_limit"`
	GroupSizeLimit int      `yaml:"group_size_limit"`
	ArchiveFiles   *bool    `yaml:"archive_files"`
	Matching       Matching `yaml:"matching"`
	Jetwash        *Jetwash `yaml:"jetwash"`
}

type Matching struct {
	SourceFiles      []MatchingSourceFile `yaml:"source_files"`
	UseFieldPrefixes *bool                `yaml:"use_field_prefixes"`
	Instructions     []Instruction        `yaml:"instructions"`
}

type MatchingSourceFile struct {
	Pattern     string `yaml:"pattern"`
	FieldPrefix string `yaml:"field_prefix"`
}

type Jetwash struct {
	SourceFiles []JetwashSourceFile `yaml:"source_files"`
}

type JetwashSourceFile struct {
	Pattern        string          `yaml:"pattern"`
	Headers        []string        `yaml:"headers"`
	Delimiter      string          `yaml:"delimiter"`
	Quote          string          `yaml:"quote"`
	Escape         string          `yaml:"escape"`
	ColumnMappings []ColumnMapping `yaml:"column_mappings"`
	NewColumns     []NewColumn     `yaml:"new_columns"`
}

// ColumnMapping is a closed set of per-column wash transforms. Exactly one
// field is set per entry.
type ColumnMapping struct {
	Map        *MapMapping `yaml:"map"`
	Dmy        string      `yaml:"dmy"`
	Mdy        string      `yaml:"mdy"`
	Ymd        string      `yaml:"ymd"`
	Trim       string      `yaml:"trim"`
	AsBoolean  string      `yaml:"as_boolean"`
	AsDatetime string      `yaml:"as_datetime"`
	AsDecimal  string      `yaml:"as_decimal"`
	AsInteger  string      `yaml:"as_integer"`
}

// Column returns the header the mapping applies to.
func (cm *ColumnMapping) Column() string {
	switch {
	case cm.Map != nil:
		return cm.Map.Column
	case cm.Dmy != "":
		return cm.Dmy
	case cm.Mdy != "":
		return cm.Mdy
	case cm.Ymd != "":
		return cm.Ymd
	case cm.Trim != "":
		return cm.Trim
	case cm.AsBoolean != "":
		return cm.AsBoolean
	case cm.AsDatetime != "":
		return cm.AsDatetime
	case cm.AsDecimal != "":
		return cm.AsDecimal
	case cm.AsInteger != "":
		return cm.AsInteger
	}
	return ""
}

type MapMapping struct {
	Column string            `yaml:"column"`
	AsA    datatype.DataType `yaml:"as_a"`
	From   string            `yaml:"from"`
}

type NewColumn struct {
	Column string            `yaml:"column"`
	AsA    datatype.DataType `yaml:"as_a"`
	From   string            `yaml:"from"`
}

// Instruction is a closed set - exactly one of the variants is set.
type Instruction struct {
	Project *ProjectInstruction `yaml:"project"`
	Merge   *MergeInstruction   `yaml:"merge"`
	Group   *GroupInstruction   `yaml:"group"`
}

type ProjectInstruction struct {
	Column string            `yaml:"column"`
	AsA    datatype.DataType `yaml:"as_a"`
	From   string            `yaml:"from"`
	When   string            `yaml:"when"`
}

type MergeInstruction struct {
	Into    string   `yaml:"into"`
	Columns []string `yaml:"columns"`
}

type GroupInstruction struct {
	By        []string     `yaml:"by"`
	MatchWhen []Constraint `yaml:"match_when"`
}

// Constraint is a closed set - exactly one of the variants is set.
type Constraint struct {
	NetsToZero        *NetsToZero        `yaml:"nets_to_zero"`
	NetsWithTolerance *NetsWithTolerance `yaml:"nets_with_tolerance"`
	Custom            *CustomConstraint  `yaml:"custom"`
}

// NetsToZero requires |sum(column, lhs records)| == |sum(column, rhs records)|.
// Note the absolute value is taken on each side before comparison, so a
// signed mix within one side nets internally first.
type NetsToZero struct {
	Column string `yaml:"column"`
	Lhs    string `yaml:"lhs"`
	Rhs    string `yaml:"rhs"`
}

type NetsWithTolerance struct {
	Column       string          `yaml:"column"`
	Lhs          string          `yaml:"lhs"`
	Rhs          string          `yaml:"rhs"`
	TolType      string          `yaml:"tol_type"` // Amount or Percent.
	Tolerance    decimal.Decimal `yaml:"-"`
	RawTolerance string          `yaml:"tolerance"`
}

type CustomConstraint struct {
	Script string   `yaml:"script"`
	Fields []string `yaml:"fields"`
}

const (
	ToleranceAmount  = "Amount"
	TolerancePercent = "Percent"
)

// CharterLoadError - the charter file could not be read or parsed.
type CharterLoadError struct {
	Path string
	Err  error
}

func (e *CharterLoadError) Error() string {
	return fmt.Sprintf("charter %s failed to load: %v", e.Path, e.Err)
}

// CharterValidationError - the charter parsed but is not usable.
type CharterValidationError struct {
	Reason string
}

func (e *CharterValidationError) Error() string {
	return fmt.Sprintf("invalid charter: %s", e.Reason)
}

// Load reads and validates a charter file.
func Load(path string) (*Charter, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &CharterLoadError{Path: path, Err: err}
	}
	charter, err := Parse(content)
	if err != nil {
		if _, ok := err.(*CharterValidationError); ok {
			return nil, err
		}
		return nil, &CharterLoadError{Path: path, Err: err}
	}
	return charter, nil
}

// Parse unmarshals charter YAML and validates it.
func Parse(content []byte) (*Charter, error) {
	charter := &Charter{}
	if err := yaml.UnmarshalStrict(content, charter); err != nil {
		return nil, fmt.Errorf("invalid charter: %v. make sure to use 'single quotes' around strings with special characters (like match patterns)", err)
	}
	if err := charter.validate(); err != nil {
		return nil, err
	}
	return charter, nil
}

// UseFieldPrefixes defaults to true when unset.
func (c *Charter) UseFieldPrefixes() bool {
	if c.Matching.UseFieldPrefixes == nil {
		return true
	}
	return *c.Matching.UseFieldPrefixes
}

// ShouldArchiveFiles defaults to true when unset.
func (c *Charter) ShouldArchiveFiles() bool {
	if c.ArchiveFiles == nil {
		return true
	}
	return *c.ArchiveFiles
}

// Fallbacks applied when the charter omits the memory budget or group cap.
const (
	DefaultMemoryLimit    = 50 * 1024 * 1024
	DefaultGroupSizeLimit = 1000
)

func (c *Charter) validate() error {
	if c.Name == "" {
		return &CharterValidationError{Reason: "charter must have a name"}
	}

	if c.MemoryLimit <= 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.GroupSizeLimit <= 0 {
		c.GroupSizeLimit = DefaultGroupSizeLimit
	}

	for _, sf := range c.Matching.SourceFiles {
		if _, err := regexp.Compile(sf.Pattern); err != nil {
			return &CharterValidationError{Reason: fmt.Sprintf("failed to parse %q as a regex", sf.Pattern)}
		}
	}

	// If field prefixes are defined, there should be one for every pattern.
	prefixed := 0
	for _, sf := range c.Matching.SourceFiles {
		if sf.FieldPrefix != "" {
			prefixed++
		}
	}
	if prefixed > 0 && prefixed != len(c.Matching.SourceFiles) {
		return &CharterValidationError{Reason: "if field prefixes are defined, there must be one for each source file pattern"}
	}

	for idx, inst := range c.Matching.Instructions {
		if err := inst.validate(idx); err != nil {
			return err
		}
	}

	if c.Jetwash != nil {
		for _, sf := range c.Jetwash.SourceFiles {
			if _, err := regexp.Compile(sf.Pattern); err != nil {
				return &CharterValidationError{Reason: fmt.Sprintf("failed to parse %q as a regex", sf.Pattern)}
			}
		}
	}

	return nil
}

func (i *Instruction) validate(idx int) error {
	variants := 0
	if i.Project != nil {
		variants++
	}
	if i.Merge != nil {
		variants++
	}
	if i.Group != nil {
		variants++
	}
	if variants != 1 {
		return &CharterValidationError{Reason: fmt.Sprintf("instruction %d must be exactly one of project, merge or group", idx)}
	}

	if i.Group != nil {
		for _, constraint := range i.Group.MatchWhen {
			if err := constraint.resolve(); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve validates the constraint variant and parses the raw tolerance.
func (con *Constraint) resolve() error {
	variants := 0
	if con.NetsToZero != nil {
		variants++
	}
	if con.NetsWithTolerance != nil {
		variants++
	}
	if con.Custom != nil {
		variants++
	}
	if variants != 1 {
		return &CharterValidationError{Reason: "constraint must be exactly one of nets_to_zero, nets_with_tolerance or custom"}
	}

	if nwt := con.NetsWithTolerance; nwt != nil {
		if nwt.TolType != ToleranceAmount && nwt.TolType != TolerancePercent {
			return &CharterValidationError{Reason: fmt.Sprintf("tol_type must be Amount or Percent, got %q", nwt.TolType)}
		}
		tolerance, err := decimal.NewFromString(nwt.RawTolerance)
		if err != nil {
			return &CharterValidationError{Reason: fmt.Sprintf("tolerance %q is not a decimal", nwt.RawTolerance)}
		}
		nwt.Tolerance = tolerance
	}
	return nil
}
