// Package transport delivers outgoing report bodies and turns each attempt's
// result into retry state for the workflow orchestrator.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/labrelay/labrelay/internal/settings"
)

// RetryItems identifies which report items still need resending: everything,
// or a specific subset.
type RetryItems struct {
	All bool
	IDs []string
}

// AllItems is the retry-everything marker.
func AllItems() RetryItems { return RetryItems{All: true} }

// MarshalJSON encodes the wire shape "ALL" | [item-ids].
func (r RetryItems) MarshalJSON() ([]byte, error) {
	if r.All {
		return json.Marshal("ALL")
	}
	return json.Marshal(r.IDs)
}

// UnmarshalJSON decodes "ALL" | [item-ids].
func (r *RetryItems) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "ALL" {
			return fmt.Errorf("unknown retry items marker %q", s)
		}
		r.All = true
		r.IDs = nil
		return nil
	}
	r.All = false
	return json.Unmarshal(data, &r.IDs)
}

// RetryToken is the durable retry state carried on a task between send
// attempts. Created on the first failure, incremented on each subsequent one,
// discarded on success or permanent failure.
type RetryToken struct {
	RetryCount int        `json:"retryCount"`
	RetryItems RetryItems `json:"retryItems"`
}

// Encode serializes the token for the task row.
func (t *RetryToken) Encode() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode retry token: %w", err)
	}
	return string(raw), nil
}

// DecodeRetryToken parses a stored token; a nil input yields a nil token.
func DecodeRetryToken(raw *string) (*RetryToken, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var t RetryToken
	if err := json.Unmarshal([]byte(*raw), &t); err != nil {
		return nil, fmt.Errorf("decode retry token: %w", err)
	}
	return &t, nil
}

// Transport sends a report body to one receiver. A nil RetryItems return
// means full success; a non-nil return names the items that still need
// resending.
type Transport interface {
	Send(ctx context.Context, cfg settings.TransportConfig, contents []byte, reportID uuid.UUID, retryItems *RetryItems) (*RetryItems, error)
}

// Registry maps transport config types to implementations.
type Registry struct {
	byType map[string]Transport
}

// NewRegistry builds a registry from named transports.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Transport)}
}

// Register adds a transport under its config type key.
func (r *Registry) Register(typ string, t Transport) {
	r.byType[typ] = t
}

// Lookup returns the transport for a config, or an error for unknown types.
func (r *Registry) Lookup(cfg settings.TransportConfig) (Transport, error) {
	t, ok := r.byType[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("no transport registered for type %q", cfg.Type)
	}
	return t, nil
}
