package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"commerce-sync-service/internal/connector"
)

func rawRecord(fields map[string]any) connector.RawRecord {
	return connector.RawRecord{Fields: fields, FetchedAt: time.Now().UTC()}
}

func TestValidateRequiredFields(t *testing.T) {
	schema := Schema{RequiredFields: []string{"id", "total_price"}}

	result := Validate([]connector.RawRecord{
		rawRecord(map[string]any{"id": "o1", "total_price": 10.0}),
		rawRecord(map[string]any{"id": "o2"}),
		rawRecord(map[string]any{"total_price": 3.0}),
	}, schema)

	assert.False(t, result.Valid)
	assert.Equal(t, 3, result.RecordsValidated)
	assert.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "total_price")
	assert.Contains(t, result.Errors[1], `missing required field "id"`)
}

func TestValidateFieldRules(t *testing.T) {
	schema := Schema{
		RequiredFields: []string{"id"},
		Validations: map[string]FieldRule{
			"total_price": {Type: "number", Min: floatPtr(0)},
			"currency":    {Type: "string", Enum: []string{"USD", "EUR"}},
			"active":      {Type: "bool"},
		},
	}

	tests := []struct {
		name   string
		fields map[string]any
		valid  bool
	}{
		{"all good", map[string]any{"id": "1", "total_price": 9.99, "currency": "USD", "active": true}, true},
		{"decimal string price", map[string]any{"id": "2", "total_price": "12.50"}, true},
		{"negative price", map[string]any{"id": "3", "total_price": -1.0}, false},
		{"price not a number", map[string]any{"id": "4", "total_price": "abc"}, false},
		{"currency not in enum", map[string]any{"id": "5", "currency": "GBP"}, false},
		{"active not a bool", map[string]any{"id": "6", "active": "yes"}, false},
		{"optional fields absent", map[string]any{"id": "7"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, RecordValid(rawRecord(tt.fields), schema))
		})
	}
}

func TestValidateSoftBoundsWarn(t *testing.T) {
	schema := Schema{
		Validations: map[string]FieldRule{
			"total_price": {Type: "number", WarnMax: floatPtr(1000)},
		},
	}

	result := Validate([]connector.RawRecord{
		rawRecord(map[string]any{"id": "o1", "total_price": 5000.0}),
	}, schema)

	assert.True(t, result.Valid, "soft bounds must not invalidate the record")
	assert.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "unusually high")
}

func TestValidateIsIdempotent(t *testing.T) {
	schema := Schema{
		RequiredFields: []string{"id"},
		Validations: map[string]FieldRule{
			"price": {Type: "number", Min: floatPtr(0), WarnMin: floatPtr(1)},
		},
	}
	records := []connector.RawRecord{
		rawRecord(map[string]any{"id": "p1", "price": -2.0}),
		rawRecord(map[string]any{"price": 0.5}),
	}

	first := Validate(records, schema)
	second := Validate(records, schema)

	assert.Equal(t, first, second)
}
