package orchestrator

import (
	"strings"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

// Filters narrow the environment list. Empty fields match everything; values within one field are
// alternatives.
type Filters struct {
	Status []models.EnvironmentStatus `json:"status,omitempty"`
	Kind   []models.EnvironmentKind   `json:"type,omitempty"`
	Health []models.Health            `json:"health,omitempty"`
	// Search is a case-insensitive substring of the environment id or an assigned test id.
	Search string `json:"search,omitempty"`
}

func (f Filters) Match(env models.Environment) bool {
	if len(f.Status) > 0 && !contains(f.Status, env.Status) {
		return false
	}
	if len(f.Kind) > 0 && !contains(f.Kind, env.Kind) {
		return false
	}
	if len(f.Health) > 0 && !contains(f.Health, env.Health) {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if strings.Contains(strings.ToLower(env.ID), q) {
			return true
		}
		for _, test := range env.AssignedTests {
			if strings.Contains(strings.ToLower(test), q) {
				return true
			}
		}
		return false
	}
	return true
}

func (f Filters) Apply(envs []models.Environment) []models.Environment {
	out := make([]models.Environment, 0, len(envs))
	for _, env := range envs {
		if f.Match(env) {
			out = append(out, env)
		}
	}
	return out
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
