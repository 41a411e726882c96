package sync

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"commerce-sync-service/internal/connector"
	"commerce-sync-service/internal/store"
)

// Calculation derives a new canonical field from already-mapped ones.
// Expression is either a single operand or "left op right" where operands
// are mapped field names or numeric literals and op is one of + - * /.
// Calculations run in declaration order, each seeing prior results.
type Calculation struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
}

type TransformConfig struct {
	Platform     store.Platform    `json:"platform"`
	StoreID      string            `json:"store_id"`
	Type         string            `json:"type"`
	Mappings     map[string]string `json:"mappings"`
	Calculations []Calculation     `json:"calculations,omitempty"`
}

// Transform maps validated raw records into the canonical envelope. Mapped
// fields are renamed, unmapped source fields are dropped from Fields but
// retained in RawData for audit. Pure and total for well-typed input; the
// validator filters out input it cannot handle.
func Transform(records []connector.RawRecord, cfg TransformConfig) []store.CanonicalRecord {
	out := make([]store.CanonicalRecord, 0, len(records))

	for _, record := range records {
		fields := make(map[string]any, len(cfg.Mappings))
		for src, dst := range cfg.Mappings {
			if value, ok := record.Fields[src]; ok {
				fields[dst] = value
			}
		}

		for _, calc := range cfg.Calculations {
			if value, err := evalExpression(calc.Expression, fields); err == nil {
				fields[calc.Field] = value
			}
		}

		out = append(out, store.CanonicalRecord{
			ID:        canonicalID(record, fields),
			StoreID:   cfg.StoreID,
			Type:      cfg.Type,
			Fields:    fields,
			RawData:   record.Fields,
			UpdatedAt: recordUpdatedAt(record, fields),
		})
	}

	return out
}

func canonicalID(record connector.RawRecord, fields map[string]any) string {
	if id, ok := fields["id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	if id, ok := record.Fields["id"]; ok {
		return fmt.Sprintf("%v", id)
	}
	return ""
}

func recordUpdatedAt(record connector.RawRecord, fields map[string]any) time.Time {
	raw, ok := fields["updated_at"]
	if !ok {
		raw = record.Fields["updated_at"]
	}
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return record.FetchedAt
}

func evalExpression(expr string, fields map[string]any) (float64, error) {
	tokens := strings.Fields(expr)
	switch len(tokens) {
	case 1:
		return operandValue(tokens[0], fields)
	case 3:
		left, err := operandValue(tokens[0], fields)
		if err != nil {
			return 0, err
		}
		right, err := operandValue(tokens[2], fields)
		if err != nil {
			return 0, err
		}
		switch tokens[1] {
		case "+":
			return left + right, nil
		case "-":
			return left - right, nil
		case "*":
			return left * right, nil
		case "/":
			if right == 0 {
				return 0, fmt.Errorf("division by zero in %q", expr)
			}
			return left / right, nil
		}
		return 0, fmt.Errorf("unknown operator %q in %q", tokens[1], expr)
	}
	return 0, fmt.Errorf("malformed expression %q", expr)
}

func operandValue(token string, fields map[string]any) (float64, error) {
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, nil
	}
	value, ok := fields[token]
	if !ok {
		return 0, fmt.Errorf("unknown field %q", token)
	}
	n, ok := numericValue(value)
	if !ok {
		return 0, fmt.Errorf("field %q is not numeric", token)
	}
	return n, nil
}
