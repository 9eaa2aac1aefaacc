package gate

import "time"

// OperationContext describes one lifecycle operation under evaluation.
//
// It is built once per orchestration call. Gates treat it as read-only; the
// orchestrator is the only writer, and only to PreviousResults between
// sequential gate runs.
type OperationContext struct {
	Stage       Stage     `json:"stage"`
	OperationID string    `json:"operation_id"`
	Timestamp   time.Time `json:"timestamp"`
	ModelID     string    `json:"model_id,omitempty"`
	DatasetID   string    `json:"dataset_id,omitempty"`

	Artifacts            map[string]any     `json:"artifacts,omitempty"`
	PerformanceMetrics   map[string]float64 `json:"performance_metrics,omitempty"`
	DataCharacteristics  map[string]any     `json:"data_characteristics,omitempty"`
	SensitiveAttributes  []string           `json:"sensitive_attributes,omitempty"`
	RegulatoryFrameworks []string           `json:"regulatory_frameworks,omitempty"`

	// PreviousResults is keyed by gate name.
	PreviousResults map[string]*Result `json:"previous_results,omitempty"`
	Custom          map[string]any     `json:"custom_context,omitempty"`
}

// NewOperationContext returns a context with all maps initialised.
func NewOperationContext(stage Stage, operationID string) *OperationContext {
	return &OperationContext{
		Stage:               stage,
		OperationID:         operationID,
		Timestamp:           time.Now().UTC(),
		Artifacts:           make(map[string]any),
		PerformanceMetrics:  make(map[string]float64),
		DataCharacteristics: make(map[string]any),
		PreviousResults:     make(map[string]*Result),
		Custom:              make(map[string]any),
	}
}

// Artifact returns the artifact stored under key.
func (c *OperationContext) Artifact(key string) (any, bool) {
	if c == nil || c.Artifacts == nil {
		return nil, false
	}
	v, ok := c.Artifacts[key]
	return v, ok && v != nil
}

// HasArtifacts reports whether every key is present and non-nil.
func (c *OperationContext) HasArtifacts(keys ...string) bool {
	for _, k := range keys {
		if _, ok := c.Artifact(k); !ok {
			return false
		}
	}
	return true
}

// HasCustom reports whether every key is present in the custom context.
func (c *OperationContext) HasCustom(keys ...string) bool {
	if c == nil {
		return false
	}
	for _, k := range keys {
		if _, ok := c.Custom[k]; !ok {
			return false
		}
	}
	return true
}

// CustomString returns a string-typed custom context value.
func (c *OperationContext) CustomString(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	s, ok := c.Custom[key].(string)
	return s, ok
}

// CustomFloat returns a numeric custom context value as float64.
func (c *OperationContext) CustomFloat(key string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	return ToFloat(c.Custom[key])
}

// Metric returns a performance metric.
func (c *OperationContext) Metric(name string) (float64, bool) {
	if c == nil || c.PerformanceMetrics == nil {
		return 0, false
	}
	v, ok := c.PerformanceMetrics[name]
	return v, ok
}

// PreviousResult returns the result an earlier gate produced in this run.
func (c *OperationContext) PreviousResult(gateName string) (*Result, bool) {
	if c == nil || c.PreviousResults == nil {
		return nil, false
	}
	r, ok := c.PreviousResults[gateName]
	return r, ok
}

// ToFloat converts the numeric kinds produced by JSON/YAML decoding.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
