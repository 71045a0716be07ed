package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
)

// ComplianceOptions tune result interpretation.
type ComplianceOptions struct {
	HighThreshold   float64
	MediumThreshold float64
	Catalog         *RecommendationCatalog
}

// ComplianceClient calls the regulatory compliance service. It never
// synthesizes a verdict: every failure is returned as an error outcome.
type ComplianceClient struct {
	t    *transport
	opts ComplianceOptions
	now  func() time.Time
}

// NewComplianceClient creates a new ComplianceClient.
func NewComplianceClient(baseURL string, topts TransportOptions, opts ComplianceOptions, deps Deps) *ComplianceClient {
	if opts.HighThreshold <= 0 {
		opts.HighThreshold = 0.7
	}
	if opts.MediumThreshold <= 0 {
		opts.MediumThreshold = 0.5
	}
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	return &ComplianceClient{
		t:    newTransport(DependencyCompliance, baseURL, topts, deps),
		opts: opts,
		now:  time.Now,
	}
}

// Name returns the dependency name.
func (c *ComplianceClient) Name() string { return DependencyCompliance }

// CheckHealth probes the compliance service.
func (c *ComplianceClient) CheckHealth(ctx context.Context) models.ServiceStatus {
	return c.t.checkHealth(ctx)
}

type complianceWireRequest struct {
	Jurisdiction       string         `json:"jurisdiction"`
	CaseID             string         `json:"case_id"`
	StructuredDocument map[string]any `json:"structured_document"`
}

type ruleEvaluation struct {
	RuleID    string   `json:"rule_id"`
	Summary   string   `json:"summary"`
	Authority string   `json:"authority"`
	Status    string   `json:"status"`
	Flags     []string `json:"flags"`
}

type complianceWireResponse struct {
	CaseID     string            `json:"case_id"`
	Rules      *[]ruleEvaluation `json:"rules"`
	Reasoning  string            `json:"reasoning"`
	Confidence json.RawMessage   `json:"confidence"`
}

// Call evaluates the artifact. The result is OutcomeOK or OutcomeError.
func (c *ComplianceClient) Call(ctx context.Context, req ComplianceRequest) Outcome[*models.ComplianceResult] {
	if !c.t.shouldUseLive() {
		return Failed[*models.ComplianceResult](&errs.Error{
			Kind:       errs.DependencyUnavailable,
			Dependency: DependencyCompliance,
			Detail:     "marked unavailable by health registry",
		})
	}

	caseID := req.CaseID
	if caseID == "" {
		caseID = req.ArtifactID
	}

	var (
		wire       complianceWireResponse
		confidence float64
	)
	_, err := c.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/evaluate",
		correlationID: req.ArtifactID,
		body: complianceWireRequest{
			Jurisdiction:       req.Jurisdiction,
			CaseID:             caseID,
			StructuredDocument: req.Document,
		},
		out: &wire,
		validate: func() error {
			if wire.Rules == nil {
				return errors.New("response has no rule evaluations")
			}
			v, err := parseConfidence(wire.Confidence)
			if err != nil {
				return err
			}
			confidence = v
			return nil
		},
	})
	if err != nil {
		return Failed[*models.ComplianceResult](err)
	}

	result := c.interpret(req.ArtifactID, caseID, *wire.Rules, wire.Reasoning, confidence)
	return Ok(result)
}

func (c *ComplianceClient) interpret(artifactID, caseID string, rules []ruleEvaluation, reasoning string, confidence float64) *models.ComplianceResult {
	violations := make([]models.Violation, 0)
	applied := make([]string, 0, len(rules))
	texts := []string{reasoning}

	for _, rule := range rules {
		applied = append(applied, rule.RuleID)
		if !isViolation(rule) {
			continue
		}
		violations = append(violations, models.Violation{
			RuleID:      rule.RuleID,
			Description: rule.Summary,
			Severity:    classifySeverity(rule),
			Authority:   rule.Authority,
		})
		texts = append(texts, rule.Summary)
	}

	recommendations := c.opts.Catalog.Match(texts...)
	for _, rule := range rules {
		rec := "Verify compliance with " + rule.RuleID
		if rule.Authority != "" {
			rec += " (" + rule.Authority + ")"
		}
		if rule.Summary != "" {
			rec += ": " + rule.Summary
		}
		recommendations = append(recommendations, rec)
	}

	return &models.ComplianceResult{
		ID:              uuid.New().String(),
		ArtifactID:      artifactID,
		CaseID:          caseID,
		Compliant:       len(violations) == 0 && confidence >= c.opts.MediumThreshold,
		Confidence:      confidence,
		ConfidenceLevel: c.bucket(confidence),
		Violations:      violations,
		Recommendations: dedupe(recommendations),
		RulesApplied:    applied,
		CreatedAt:       c.now().UTC(),
	}
}

func (c *ComplianceClient) bucket(confidence float64) models.ConfidenceLevel {
	switch {
	case confidence > c.opts.HighThreshold:
		return models.ConfidenceHigh
	case confidence >= c.opts.MediumThreshold:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

var (
	violationMarkers = []string{"violation", "violates", "violated", "non-compliant", "non_compliant",
		"noncompliant", "not compliant", "exceeds", "does not meet", "fails", "failed", "insufficient"}
	negatedMarkers = []string{"no violation", "not in violation", "without violation"}
	highMarkers    = []string{"critical", "non-compliant", "non_compliant", "noncompliant"}
)

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func isViolation(rule ruleEvaluation) bool {
	if containsAny(rule.Status, violationMarkers) || containsAny(rule.Status, []string{"fail"}) {
		return true
	}
	for _, f := range rule.Flags {
		if containsAny(f, violationMarkers) || containsAny(f, []string{"critical"}) {
			return true
		}
	}
	if containsAny(rule.Summary, negatedMarkers) {
		return false
	}
	return containsAny(rule.Summary, violationMarkers)
}

func classifySeverity(rule ruleEvaluation) models.Severity {
	texts := append([]string{rule.Summary, rule.Status}, rule.Flags...)
	for _, t := range texts {
		if containsAny(t, highMarkers) {
			return models.SeverityHigh
		}
	}
	return models.SeverityMedium
}

var numberPattern = regexp.MustCompile(`[-+]?\d*\.?\d+`)

// parseConfidence accepts a JSON number or text such as "0.82", "82%" or
// "confidence: 0.82". Values above 1 are read as percentages.
func parseConfidence(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("response has no confidence")
	}
	var value float64
	var text string
	if err := json.Unmarshal(raw, &value); err != nil {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("confidence is neither number nor text: %s", string(raw))
		}
		match := numberPattern.FindString(text)
		if match == "" {
			return 0, fmt.Errorf("confidence text has no number: %q", text)
		}
		value, err = strconv.ParseFloat(match, 64)
		if err != nil {
			return 0, fmt.Errorf("confidence text has no number: %q", text)
		}
		if strings.Contains(text, "%") {
			value /= 100
		}
	}
	if value > 1 && value <= 100 {
		value /= 100
	}
	if value < 0 || value > 1 {
		return 0, fmt.Errorf("confidence %v out of range", value)
	}
	return value, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
