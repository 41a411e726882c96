package sync

import (
	"encoding/json"
	"fmt"
	"strconv"

	"commerce-sync-service/internal/connector"
)

// FieldRule declares the constraints for one raw field. Type is one of
// "string", "number", "bool". Min/Max are hard numeric bounds; WarnMin and
// WarnMax are soft bounds that produce warnings instead of errors.
type FieldRule struct {
	Type    string   `json:"type,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Enum    []string `json:"enum,omitempty"`
	WarnMin *float64 `json:"warn_min,omitempty"`
	WarnMax *float64 `json:"warn_max,omitempty"`
}

type Schema struct {
	RequiredFields []string             `json:"required_fields"`
	Validations    map[string]FieldRule `json:"validations,omitempty"`
}

// Validate checks each record against the schema and reports per-record
// results. It never fails the whole batch: the engine decides what to do
// with offending records. Running it twice on the same input yields the
// same errors and warnings.
func Validate(records []connector.RawRecord, schema Schema) ValidationResult {
	result := ValidationResult{
		Valid:            true,
		RecordsValidated: len(records),
	}

	for i, record := range records {
		key := recordKey(record, i)

		for _, field := range schema.RequiredFields {
			if _, ok := record.Fields[field]; !ok {
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s: missing required field %q", key, field))
			}
		}

		for field, rule := range schema.Validations {
			value, ok := record.Fields[field]
			if !ok {
				continue
			}
			errs, warnings := checkField(key, field, value, rule)
			result.Errors = append(result.Errors, errs...)
			result.Warnings = append(result.Warnings, warnings...)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// RecordValid reports whether a single record passes the hard rules of the
// schema. Used by the engine to quarantine offenders while keeping the rest
// of the batch.
func RecordValid(record connector.RawRecord, schema Schema) bool {
	single := Validate([]connector.RawRecord{record}, schema)
	return single.Valid
}

func checkField(key, field string, value any, rule FieldRule) (errs, warnings []string) {
	switch rule.Type {
	case "string":
		if _, ok := value.(string); !ok {
			errs = append(errs, fmt.Sprintf("%s: field %q must be a string", key, field))
			return
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			errs = append(errs, fmt.Sprintf("%s: field %q must be a bool", key, field))
			return
		}
	case "number":
		if _, ok := numericValue(value); !ok {
			errs = append(errs, fmt.Sprintf("%s: field %q must be a number", key, field))
			return
		}
	}

	if n, ok := numericValue(value); ok {
		if rule.Min != nil && n < *rule.Min {
			errs = append(errs, fmt.Sprintf("%s: field %q below minimum %v", key, field, *rule.Min))
		}
		if rule.Max != nil && n > *rule.Max {
			errs = append(errs, fmt.Sprintf("%s: field %q above maximum %v", key, field, *rule.Max))
		}
		if rule.WarnMin != nil && n < *rule.WarnMin {
			warnings = append(warnings, fmt.Sprintf("%s: field %q unusually low (%v)", key, field, n))
		}
		if rule.WarnMax != nil && n > *rule.WarnMax {
			warnings = append(warnings, fmt.Sprintf("%s: field %q unusually high (%v)", key, field, n))
		}
	}

	if len(rule.Enum) > 0 {
		s, ok := value.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: field %q must be one of %v", key, field, rule.Enum))
			return
		}
		for _, allowed := range rule.Enum {
			if s == allowed {
				return
			}
		}
		errs = append(errs, fmt.Sprintf("%s: field %q value %q not in %v", key, field, s, rule.Enum))
	}

	return
}

func recordKey(record connector.RawRecord, index int) string {
	if id, ok := record.Fields["id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	return fmt.Sprintf("record[%d]", index)
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		// Platforms frequently ship money as decimal strings.
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
