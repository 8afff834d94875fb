package datatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagRoundTrip(t *testing.T) {
	for _, dt := range []DataType{Boolean, Datetime, Decimal, Integer, String, Uuid} {
		assert.Equal(t, dt, FromTag(dt.Tag()))
	}
	assert.Equal(t, Unknown, FromTag("??"))
}

func TestTags(t *testing.T) {
	assert.Equal(t, "IN", Integer.Tag())
	assert.Equal(t, "DE", Decimal.Tag())
	assert.Equal(t, "BO", Boolean.Tag())
	assert.Equal(t, "DT", Datetime.Tag())
	assert.Equal(t, "ST", String.Tag())
	assert.Equal(t, "ID", Uuid.Tag())
}

func TestParseLongNames(t *testing.T) {
	dt, err := Parse("Decimal")
	assert.NoError(t, err)
	assert.Equal(t, Decimal, dt)

	dt, err = Parse("datetime")
	assert.NoError(t, err)
	assert.Equal(t, Datetime, dt)

	_, err = Parse("Unknown")
	assert.Error(t, err, "Unknown is not declarable in a charter")

	_, err = Parse("wibble")
	assert.Error(t, err)
}
