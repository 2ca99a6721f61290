package vision

import (
	"context"
)

// MockClassifier returns canned verdicts. Used in tests and as a fallback
// when no classifier API key is configured, so local development does not
// require live credentials.
type MockClassifier struct {
	Verdict Verdict
	Err     error
}

// NewMockClassifier returns a mock that accepts every image as a
// medium-severity pothole.
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{
		Verdict: Verdict{
			IsValid:     true,
			Category:    "Pothole",
			Severity:    5,
			Description: "mock classification",
		},
	}
}

// Classify returns the configured verdict or error.
func (m *MockClassifier) Classify(_ context.Context, _ []byte) (*Verdict, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	v := m.Verdict
	return &v, nil
}
