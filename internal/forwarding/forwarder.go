// Package forwarding submits verified reports to an external municipal intake
// system. Forwarding is an auxiliary side-channel: its outcome never changes a
// report's authoritative status.
package forwarding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/darshi/darshi-backend/internal/geo"
	"github.com/darshi/darshi-backend/internal/models"
)

// ServiceArea is a jurisdiction the external system accepts reports for.
// Eligibility is decided by great-circle distance to the area center, not by
// matching address strings.
type ServiceArea struct {
	Name    string  `json:"name"`
	Code    string  `json:"code"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
}

// problemTypeCodes maps classifier categories to the external system's
// problem-type codes. Unknown categories fall back to the generic code.
var problemTypeCodes = map[string]string{
	"Pothole":      "RD-01",
	"Garbage":      "SW-02",
	"Streetlight":  "EL-03",
	"Waterlogging": "WS-04",
	"Signage":      "RD-05",
	"Encroachment": "EN-06",
	"Drainage":     "WS-07",
}

const genericProblemCode = "GEN-00"

// ProblemCode maps a category to the external problem-type code.
func ProblemCode(category string) string {
	if code, ok := problemTypeCodes[category]; ok {
		return code
	}
	return genericProblemCode
}

// Config holds forwarding configuration.
type Config struct {
	Endpoint       string
	CallbackSecret string
	Timeout        time.Duration
	Areas          []ServiceArea
}

// Forwarder submits verified reports to the external intake endpoint. Submit
// is fire-and-forget from the pipeline's perspective; the tracking reference
// arrives later through a signed webhook callback.
type Forwarder struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Forwarder.
func New(cfg Config, logger *slog.Logger) *Forwarder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Forwarder{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Enabled reports whether an endpoint is configured at all.
func (f *Forwarder) Enabled() bool {
	return f.config.Endpoint != ""
}

// Eligible returns the nearest service area covering the location, or false
// when the location falls outside every configured area.
func (f *Forwarder) Eligible(lat, lng float64) (*ServiceArea, bool) {
	var nearest *ServiceArea
	nearestDistance := 0.0

	for i := range f.config.Areas {
		area := &f.config.Areas[i]
		d := geo.DistanceMeters(lat, lng, area.Lat, area.Lng)
		if d > area.RadiusM {
			continue
		}
		if nearest == nil || d < nearestDistance {
			nearest = area
			nearestDistance = d
		}
	}

	return nearest, nearest != nil
}

type submission struct {
	ReportID    string  `json:"report_id"`
	AreaCode    string  `json:"area_code"`
	ProblemCode string  `json:"problem_code"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Address     string  `json:"address,omitempty"`
	Description string  `json:"description,omitempty"`
	Severity    string  `json:"severity"`
}

// Submit posts the report to the external intake endpoint for the given area.
// The external system acknowledges with 2xx and later calls back with a
// tracking reference; no response body is awaited here.
func (f *Forwarder) Submit(ctx context.Context, report *models.Report, area *ServiceArea) error {
	payload := submission{
		ReportID:    report.ID,
		AreaCode:    area.Code,
		ProblemCode: ProblemCode(report.Category),
		Latitude:    report.Latitude,
		Longitude:   report.Longitude,
		Description: report.Description,
		Severity:    report.Severity,
	}
	if report.Address != nil {
		payload.Address = *report.Address
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submission request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("external intake returned status %d", resp.StatusCode)
	}

	f.logger.Info("report forwarded",
		"report_id", report.ID,
		"area", area.Code,
		"problem_code", payload.ProblemCode,
	)
	return nil
}

// CallbackClaims is the payload of a signed webhook callback from the
// external intake system.
type CallbackClaims struct {
	ReportID   string `json:"report_id"`
	TrackingID string `json:"tracking_id"`
	jwt.RegisteredClaims
}

// VerifyCallback validates the HMAC-signed callback token and extracts the
// report and tracking identifiers.
func (f *Forwarder) VerifyCallback(token string) (reportID, trackingID string, err error) {
	if f.config.CallbackSecret == "" {
		return "", "", fmt.Errorf("callback secret not configured")
	}

	claims := &CallbackClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(f.config.CallbackSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", fmt.Errorf("invalid callback token: %w", err)
	}
	if !parsed.Valid {
		return "", "", fmt.Errorf("invalid callback token")
	}
	if claims.ReportID == "" || claims.TrackingID == "" {
		return "", "", fmt.Errorf("callback token missing report_id or tracking_id")
	}

	return claims.ReportID, claims.TrackingID, nil
}
