package models

// RequestState is the orchestrator's position in a design request lifecycle
type RequestState string

const (
	StateReceived          RequestState = "received"
	StateGeneratingSpec    RequestState = "generating_spec"
	StateEvaluating        RequestState = "evaluating"
	StateRenderingGeometry RequestState = "rendering_geometry"
	StateAssembled         RequestState = "assembled"
	StateRejected          RequestState = "rejected"
)

// StageStatus is reported per pipeline stage in a DesignResponse
type StageStatus string

const (
	StageOK          StageStatus = "ok"
	StageFallback    StageStatus = "fallback"
	StageFailed      StageStatus = "failed"
	StageUnavailable StageStatus = "unavailable"
	StageSkipped     StageStatus = "skipped"
)

// DesignRequest is the input to the design pipeline
type DesignRequest struct {
	Prompt       string         `json:"prompt"`
	Jurisdiction string         `json:"jurisdiction"`
	Owner        string         `json:"owner,omitempty"`
	Overrides    map[string]any `json:"overrides,omitempty"`
}

// StageError describes why a stage did not produce a live result
type StageError struct {
	Kind       string `json:"kind"`
	Dependency string `json:"dependency,omitempty"`
	Message    string `json:"message"`
}

// SpecStage reports the spec generation stage
type SpecStage struct {
	Status StageStatus `json:"status"`
	Error  *StageError `json:"error,omitempty"`
}

// ComplianceStage reports the compliance stage. Compliant is a pointer so an
// unavailable stage carries no verdict at all.
type ComplianceStage struct {
	Status          StageStatus     `json:"status"`
	Compliant       *bool           `json:"compliant,omitempty"`
	Confidence      *float64        `json:"confidence,omitempty"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level,omitempty"`
	Violations      []Violation     `json:"violations,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Message         string          `json:"message,omitempty"`
	Error           *StageError     `json:"error,omitempty"`
}

// OptimizationStage reports the optimization stage
type OptimizationStage struct {
	Status StageStatus         `json:"status"`
	Source ResultSource        `json:"source,omitempty"`
	Result *OptimizationResult `json:"result,omitempty"`
	Error  *StageError         `json:"error,omitempty"`
}

// GeometryStage reports the geometry render stage
type GeometryStage struct {
	Status StageStatus     `json:"status"`
	Render *GeometryRender `json:"render,omitempty"`
	Error  *StageError     `json:"error,omitempty"`
}

// DesignResponse is the unified, partial-failure tolerant pipeline result
type DesignResponse struct {
	RequestID    string            `json:"request_id"`
	State        RequestState      `json:"state"`
	Artifact     *DesignArtifact   `json:"artifact,omitempty"`
	Spec         SpecStage         `json:"spec"`
	Compliance   ComplianceStage   `json:"compliance"`
	Optimization OptimizationStage `json:"optimization"`
	Geometry     GeometryStage     `json:"geometry"`
	ElapsedMs    int64             `json:"elapsed_ms"`
}
