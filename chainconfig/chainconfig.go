//
// SPDX-License-Identifier: GPL-3.0-or-later
//

// Package chainconfig decodes the declarative YAML description of listen
// and dial chains into runnable [mapper.Cursor]s, wiring each named
// mapper step through a [Registry] of builders that close over the
// engine's shared dependencies (config, logger, resolver, recorder).
package chainconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ruci-project/ruci/dynchain"
	"github.com/ruci-project/ruci/mapper"
	"github.com/ruci-project/ruci/obs"
	"github.com/ruci-project/ruci/resolver"
	"github.com/ruci-project/ruci/traffic"
)

// BuildContext carries the dependencies every mapper builder may need,
// threaded from the engine's own construction-time configuration.
type BuildContext struct {
	Config   *obs.Config
	Logger   obs.SLogger
	Resolver resolver.Resolver
	Recorder *traffic.Recorder
}

// MapperBuilder constructs one [mapper.Mapper] from its YAML params.
type MapperBuilder func(bc BuildContext, params map[string]any) (mapper.Mapper, error)

// Registry maps a mapper step's "type" string to the builder that
// constructs it. [DefaultRegistry] covers every concrete mapper the core
// ships; callers may register additional types before decoding.
type Registry map[string]MapperBuilder

// MapperStep is one entry of a static chain vector.
type MapperStep struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params,omitempty"`
}

// FiniteStep describes a [dynchain.Finite] dynamic chain: a fixed vector
// of mapper steps plus a selector that picks among them by the ALPN
// protocol negotiated so far (the only selector the declarative format
// can express; a programmatic [dynchain.NextSelector] can still be wired
// directly by code that skips chainconfig for that one chain).
type FiniteStep struct {
	States []MapperStep `yaml:"states"`

	// ProtocolIndex maps a negotiated ALPN protocol name to a states
	// index. "default" is used when the protocol was not found in D.
	ProtocolIndex map[string]int64 `yaml:"protocol_index"`
}

// ChainDescriptor is one named chain: either a fixed vector (Static), or
// a [FiniteStep] dynamic chain.
type ChainDescriptor struct {
	Name   string       `yaml:"name"`
	Tag    string       `yaml:"tag,omitempty"`
	Static []MapperStep `yaml:"static,omitempty"`
	Finite *FiniteStep  `yaml:"finite,omitempty"`
}

// Config is the top-level declarative listen/dial chain description.
type Config struct {
	Listen []ChainDescriptor `yaml:"listen"`
	Dial   []ChainDescriptor `yaml:"dial"`
}

// Parse decodes a YAML document into a [Config].
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("chainconfig: %w", err)
	}
	return &cfg, nil
}

// Chain is a decoded, ready-to-run chain: its name/tag plus the
// [mapper.Cursor] the chain engine folds over.
type Chain struct {
	Name   string
	Tag    string
	Cursor mapper.Cursor

	// Steps holds the raw, ordered mapper slice for static chains (nil
	// for Finite dynamic chains). The engine uses it to find and bind
	// a leading listener mapper before folding starts — a [mapper.Cursor]
	// alone hides that structure behind Next/Clone.
	Steps []mapper.Mapper
}

// Build turns every descriptor into a runnable [Chain], resolving each
// mapper step through reg.
func Build(bc BuildContext, reg Registry, descriptors []ChainDescriptor) ([]Chain, error) {
	chains := make([]Chain, 0, len(descriptors))
	for _, d := range descriptors {
		cursor, steps, err := buildCursor(bc, reg, d)
		if err != nil {
			return nil, fmt.Errorf("chainconfig: chain %q: %w", d.Name, err)
		}
		chains = append(chains, Chain{Name: d.Name, Tag: d.Tag, Cursor: cursor, Steps: steps})
	}
	return chains, nil
}

func buildCursor(bc BuildContext, reg Registry, d ChainDescriptor) (mapper.Cursor, []mapper.Mapper, error) {
	switch {
	case d.Finite != nil:
		cursor, err := buildFinite(bc, reg, d)
		return cursor, nil, err
	default:
		mappers, err := buildMappers(bc, reg, d.Static)
		if err != nil {
			return nil, nil, err
		}
		return mapper.NewStaticCursor(mappers), mappers, nil
	}
}

func buildMappers(bc BuildContext, reg Registry, steps []MapperStep) ([]mapper.Mapper, error) {
	mappers := make([]mapper.Mapper, 0, len(steps))
	for _, step := range steps {
		m, err := buildMapper(bc, reg, step)
		if err != nil {
			return nil, err
		}
		mappers = append(mappers, m)
	}
	return mappers, nil
}

func buildFinite(bc BuildContext, reg Registry, d ChainDescriptor) (mapper.Cursor, error) {
	states := make([]mapper.Mapper, len(d.Finite.States))
	for i, step := range d.Finite.States {
		m, err := buildMapper(bc, reg, step)
		if err != nil {
			return nil, err
		}
		states[i] = m
	}
	selector := &protocolSelector{byProtocol: d.Finite.ProtocolIndex}
	return dynchain.NewFinite(d.Tag, states, selector), nil
}

func buildMapper(bc BuildContext, reg Registry, step MapperStep) (mapper.Mapper, error) {
	builder, ok := reg[step.Type]
	if !ok {
		return nil, fmt.Errorf("unknown mapper type %q", step.Type)
	}
	return builder(bc, step.Params)
}

// protocolSelector implements [dynchain.NextSelector] over the ALPN
// protocol a preceding TLS step attached as [mapper.ALPNData].
type protocolSelector struct {
	byProtocol map[string]int64
}

func (s *protocolSelector) NextIndex(currentIndex int64, d []mapper.Data) (int64, bool) {
	if currentIndex >= 0 {
		// Finite here is single-step: once a state has run, the chain
		// ends — branching chains that need more than one dynamic hop
		// should wire a programmatic NextSelector instead.
		return -1, false
	}
	proto, ok := mapper.FindProtocol(d)
	if !ok {
		proto = "default"
	}
	idx, ok := s.byProtocol[proto]
	if !ok {
		idx, ok = s.byProtocol["default"]
		if !ok {
			return -1, false
		}
	}
	return idx, true
}
