package sync

// PipelineConfig bundles the validation schema and transform rules for one
// record kind. Jobs use the engine's registered pipelines; the standalone
// validate/transform operations take explicit configs instead.
type PipelineConfig struct {
	Schema       Schema
	Mappings     map[string]string
	Calculations []Calculation
}

func floatPtr(f float64) *float64 { return &f }

// DefaultPipelines covers the three canonical commerce kinds. Deployments
// override per kind via Engine.RegisterPipeline.
func DefaultPipelines() map[string]PipelineConfig {
	return map[string]PipelineConfig{
		"orders": {
			Schema: Schema{
				RequiredFields: []string{"id"},
				Validations: map[string]FieldRule{
					"total_price": {Type: "number", Min: floatPtr(0), WarnMax: floatPtr(1_000_000)},
					"currency":    {Type: "string"},
				},
			},
			Mappings: map[string]string{
				"id":          "id",
				"total_price": "total_price",
				"currency":    "currency",
				"status":      "status",
				"customer_id": "customer_id",
				"updated_at":  "updated_at",
				"deleted":     "deleted",
			},
			Calculations: []Calculation{
				{Field: "normalized_total", Expression: "total_price * 1.0"},
			},
		},
		"products": {
			Schema: Schema{
				RequiredFields: []string{"id"},
				Validations: map[string]FieldRule{
					"price": {Type: "number", Min: floatPtr(0)},
					"title": {Type: "string"},
				},
			},
			Mappings: map[string]string{
				"id":         "id",
				"title":      "title",
				"price":      "price",
				"sku":        "sku",
				"updated_at": "updated_at",
				"deleted":    "deleted",
			},
		},
		"customers": {
			Schema: Schema{
				RequiredFields: []string{"id"},
				Validations: map[string]FieldRule{
					"email": {Type: "string"},
				},
			},
			Mappings: map[string]string{
				"id":         "id",
				"email":      "email",
				"first_name": "first_name",
				"last_name":  "last_name",
				"updated_at": "updated_at",
				"deleted":    "deleted",
			},
		},
	}
}
