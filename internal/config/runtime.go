package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// KV is the persistence hook the runtime store uses to survive restarts.
// Implemented by the SQLite store; nil disables persistence.
type KV interface {
	SaveConfigValue(key, value string) error
	LoadConfigValue(key string) (string, bool, error)
	ConfigKeys(prefix string) ([]string, error)
}

const (
	kvGlobalKey  = "config:global"
	kvUserPrefix = "config:user:"
)

// globalSections is the editable global config document.
type globalSections struct {
	Guardrails Guardrails `json:"guardrails"`
	Sizing     Sizing     `json:"sizing"`
	Buffering  Buffering  `json:"smallTradeBuffering"`
	System     System     `json:"system"`
}

// leaderPatch stores per-leader overrides as raw JSON objects. Only the keys
// present in a patch override the global section; everything else inherits.
type leaderPatch struct {
	Guardrails json.RawMessage `json:"guardrails,omitempty"`
	Sizing     json.RawMessage `json:"sizing,omitempty"`
}

// Runtime holds the live copy-engine configuration. Reads are cheap
// (RWMutex); writes validate the merged section before committing and are
// persisted through the KV hook. Changes are effective on the next decision.
type Runtime struct {
	mu      sync.RWMutex
	global  globalSections
	leaders map[string]leaderPatch
	kv      KV
}

// NewRuntime builds a runtime store seeded from the file config, then layers
// any persisted edits on top.
func NewRuntime(cfg Config, kv KV) (*Runtime, error) {
	r := &Runtime{
		global: globalSections{
			Guardrails: cfg.Guardrails,
			Sizing:     cfg.Sizing,
			Buffering:  cfg.Buffering,
			System:     cfg.System,
		},
		leaders: make(map[string]leaderPatch),
		kv:      kv,
	}
	if kv == nil {
		return r, nil
	}

	if raw, ok, err := kv.LoadConfigValue(kvGlobalKey); err != nil {
		return nil, fmt.Errorf("load global config: %w", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &r.global); err != nil {
			return nil, fmt.Errorf("decode persisted global config: %w", err)
		}
	}

	keys, err := kv.ConfigKeys(kvUserPrefix)
	if err != nil {
		return nil, fmt.Errorf("list leader configs: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := kv.LoadConfigValue(key)
		if err != nil || !ok {
			continue
		}
		var p leaderPatch
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		r.leaders[key[len(kvUserPrefix):]] = p
	}
	return r, nil
}

// Guardrails returns the effective guardrails for a leader ("" = global).
func (r *Runtime) Guardrails(leaderID string) Guardrails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g := r.global.Guardrails
	if leaderID != "" {
		if p, ok := r.leaders[leaderID]; ok && len(p.Guardrails) > 0 {
			// Field-level merge: unmarshal the patch onto a copy of the
			// global section so absent fields inherit.
			_ = json.Unmarshal(p.Guardrails, &g)
		}
	}
	return g
}

// Sizing returns the effective sizing for a leader ("" = global).
func (r *Runtime) Sizing(leaderID string) Sizing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.global.Sizing
	if leaderID != "" {
		if p, ok := r.leaders[leaderID]; ok && len(p.Sizing) > 0 {
			_ = json.Unmarshal(p.Sizing, &s)
		}
	}
	return s
}

// Buffering returns the global small-trade buffering section.
func (r *Runtime) Buffering() Buffering {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.Buffering
}

// System returns the global system section.
func (r *Runtime) System() System {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.System
}

// SetCopyEngineEnabled toggles the pause switch.
func (r *Runtime) SetCopyEngineEnabled(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global.System.CopyEngineEnabled = enabled
	return r.persistGlobalLocked()
}

// GlobalDocument returns the full editable global config for the API.
func (r *Runtime) GlobalDocument() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]any{
		"guardrails":          r.global.Guardrails,
		"sizing":              r.global.Sizing,
		"smallTradeBuffering": r.global.Buffering,
		"system":              r.global.System,
	}
}

// LeaderDocument returns a leader's stored overrides plus the effective
// merged sections.
func (r *Runtime) LeaderDocument(leaderID string) map[string]any {
	r.mu.RLock()
	p := r.leaders[leaderID]
	r.mu.RUnlock()

	doc := map[string]any{
		"effectiveGuardrails": r.Guardrails(leaderID),
		"effectiveSizing":     r.Sizing(leaderID),
	}
	if len(p.Guardrails) > 0 {
		doc["guardrails"] = json.RawMessage(p.Guardrails)
	}
	if len(p.Sizing) > 0 {
		doc["sizing"] = json.RawMessage(p.Sizing)
	}
	return doc
}

// ApplyGlobalPatch mutates only the top-level sections present in body.
// Each provided section is merged field-by-field onto the current value,
// validated, and committed atomically. Unknown fields are ignored; a type
// error rejects the whole section.
func (r *Runtime) ApplyGlobalPatch(body []byte) error {
	var patch struct {
		Guardrails json.RawMessage `json:"guardrails"`
		Sizing     json.RawMessage `json:"sizing"`
		Buffering  json.RawMessage `json:"smallTradeBuffering"`
		System     json.RawMessage `json:"system"`
	}
	if err := json.Unmarshal(body, &patch); err != nil {
		return fmt.Errorf("decode config patch: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.global
	if len(patch.Guardrails) > 0 {
		if err := json.Unmarshal(patch.Guardrails, &next.Guardrails); err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
		if err := next.Guardrails.Validate(); err != nil {
			return err
		}
	}
	if len(patch.Sizing) > 0 {
		if err := json.Unmarshal(patch.Sizing, &next.Sizing); err != nil {
			return fmt.Errorf("sizing: %w", err)
		}
		if err := next.Sizing.Validate(); err != nil {
			return err
		}
	}
	if len(patch.Buffering) > 0 {
		if err := json.Unmarshal(patch.Buffering, &next.Buffering); err != nil {
			return fmt.Errorf("smallTradeBuffering: %w", err)
		}
		if err := next.Buffering.Validate(); err != nil {
			return err
		}
	}
	if len(patch.System) > 0 {
		if err := json.Unmarshal(patch.System, &next.System); err != nil {
			return fmt.Errorf("system: %w", err)
		}
		if err := next.System.Validate(); err != nil {
			return err
		}
	}

	r.global = next
	return r.persistGlobalLocked()
}

// ApplyLeaderPatch replaces a leader's override sections. A provided section
// becomes the leader's stored patch; an explicit empty object ({} or "")
// clears it back to inherit.
func (r *Runtime) ApplyLeaderPatch(leaderID string, body []byte) error {
	if leaderID == "" {
		return fmt.Errorf("leader id is required")
	}
	var patch struct {
		Guardrails *json.RawMessage `json:"guardrails"`
		Sizing     *json.RawMessage `json:"sizing"`
	}
	if err := json.Unmarshal(body, &patch); err != nil {
		return fmt.Errorf("decode leader config patch: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.leaders[leaderID]
	if patch.Guardrails != nil {
		raw, err := r.normalizeSectionPatch(*patch.Guardrails, r.global.Guardrails)
		if err != nil {
			return fmt.Errorf("guardrails: %w", err)
		}
		p.Guardrails = raw
	}
	if patch.Sizing != nil {
		raw, err := r.normalizeSectionPatch(*patch.Sizing, r.global.Sizing)
		if err != nil {
			return fmt.Errorf("sizing: %w", err)
		}
		p.Sizing = raw
	}
	r.leaders[leaderID] = p

	if r.kv == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.kv.SaveConfigValue(kvUserPrefix+leaderID, string(data))
}

// normalizeSectionPatch validates a raw override section by test-merging it
// onto the current global value. Empty-string and null values mean inherit
// and are stripped from the stored patch.
func (r *Runtime) normalizeSectionPatch(raw json.RawMessage, base any) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == `""` {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if string(v) == "null" || string(v) == `""` {
			delete(fields, k)
		}
	}
	if len(fields) == 0 {
		return nil, nil
	}
	cleaned, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	// Type-check by merging onto a copy of the global section.
	switch b := base.(type) {
	case Guardrails:
		if err := json.Unmarshal(cleaned, &b); err != nil {
			return nil, err
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
	case Sizing:
		if err := json.Unmarshal(cleaned, &b); err != nil {
			return nil, err
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}
	return cleaned, nil
}

func (r *Runtime) persistGlobalLocked() error {
	if r.kv == nil {
		return nil
	}
	data, err := json.Marshal(r.global)
	if err != nil {
		return err
	}
	return r.kv.SaveConfigValue(kvGlobalKey, string(data))
}
