// Package registry implements the Model Registry: the catalogue of logical
// models the gateway may route to, mirrored into the KV store for
// low-latency lookups and refreshed from the backing catalogue store on a
// timer. See internal/auth for credential resolution and internal/router for
// request dispatch.
package registry

import "time"

// Capability is a feature a ModelConfig supports.
type Capability string

const (
	CapabilityStreaming   Capability = "streaming"
	CapabilityTools       Capability = "tools"
	CapabilityVision      Capability = "vision"
	CapabilityJSONMode    Capability = "json_mode"
	CapabilityLongContext Capability = "long_context"
)

// ModelConfig is one entry in the catalogue. FullName is "{provider}:{model_name}"
// and is the canonical key under which the registry stores and fans it out.
type ModelConfig struct {
	ID              string
	Provider        string
	ModelName       string
	DisplayName     string
	ContextWindow   int
	MaxOutputTokens int
	Capabilities    []Capability
	CostPer1kInput  float64
	CostPer1kOutput float64
	IsActive        bool
	Priority        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FullName returns the canonical "{provider}:{model_name}" identifier used as
// the hash key in both the catalogue store and the KV mirror.
func (m ModelConfig) FullName() string {
	return m.Provider + ":" + m.ModelName
}

// HasCapability reports whether cap is present on m.
func (m ModelConfig) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
