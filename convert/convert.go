package convert

// Bidirectional mapping between the canonical CSV text format and typed
// values. Everything the engine writes goes through the XxxToString fns so
// files always contain the canonical rendering.

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openrec/openrec/datatype"
)

// UnparseableCsvFieldError names the type that failed and the raw bytes.
type UnparseableCsvFieldError struct {
	DataType datatype.DataType
	Bytes    string
}

func (e *UnparseableCsvFieldError) Error() string {
	return fmt.Sprintf("unable to read CSV %s field from %q", e.DataType, e.Bytes)
}

func unparseable(dt datatype.DataType, raw string) error {
	return &UnparseableCsvFieldError{DataType: dt, Bytes: raw}
}

// StringToBool is strict - only the canonical "true"/"false" decode.
// The permissive parsing for raw inbox data lives in the jetwash analyser.
func StringToBool(raw string) (bool, error) {
	switch raw {
	case datatype.TrueStr:
		return true, nil
	case datatype.FalseStr:
		return false, nil
	}
	return false, unparseable(datatype.Boolean, raw)
}

// StringToDatetime parses any RFC 3339 offset and returns epoch millis.
func StringToDatetime(raw string) (int64, error) {
	dt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, unparseable(datatype.Datetime, raw)
	}
	return dt.UnixMilli(), nil
}

func StringToDecimal(raw string) (decimal.Decimal, error) {
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, unparseable(datatype.Decimal, raw)
	}
	return dec, nil
}

func StringToInt(raw string) (int64, error) {
	i, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, unparseable(datatype.Integer, raw)
	}
	return i, nil
}

func StringToUuid(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, unparseable(datatype.Uuid, raw)
	}
	return id, nil
}

func BoolToString(value bool) string {
	if value {
		return datatype.TrueStr
	}
	return datatype.FalseStr
}

// DatetimeToString renders epoch millis as RFC 3339 UTC with millisecond
// precision and a Z suffix, e.g. 2021-12-29T03:39:00.000Z.
func DatetimeToString(millis int64) string {
	return time.UnixMilli(millis).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func DecimalToString(value decimal.Decimal) string {
	if exp := value.Exponent(); exp < 0 {
		return value.StringFixed(-exp)
	}
	return value.String()
}

func IntToString(value int64) string {
	return fmt.Sprintf("%d", value)
}

func UuidToString(value uuid.UUID) string {
	return value.String()
}
