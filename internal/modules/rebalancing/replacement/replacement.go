// Package replacement substitutes restricted symbols in a target allocation
// set with allowed alternatives, scaled to keep equivalent exposure.
package replacement

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/aristath/rebalancer/internal/domain"
)

// minimumRemainder is the share of non-replaced weight kept when the scaled
// replacements would otherwise consume all of it
const minimumRemainder = 0.1

// Rule replaces Source with Target at Scale times the source weight
type Rule struct {
	Source string  `yaml:"source" validate:"required"`
	Target string  `yaml:"target" validate:"required,nefield=Source"`
	Scale  float64 `yaml:"scale" validate:"gt=0"`
}

// Sets maps a replacement set name to its rules
type Sets map[string][]Rule

// Service applies named replacement sets
type Service struct {
	sets Sets
	log  zerolog.Logger
}

// NewService creates a service over already loaded sets
func NewService(sets Sets, log zerolog.Logger) *Service {
	if sets == nil {
		sets = Sets{}
	}
	return &Service{
		sets: sets,
		log:  log.With().Str("component", "replacement").Logger(),
	}
}

// LoadFile reads replacement sets from YAML. A missing file yields no sets.
func LoadFile(path string) (Sets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Sets{}, nil
		}
		return nil, fmt.Errorf("failed to read replacement sets: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates replacement sets
func Parse(data []byte) (Sets, error) {
	sets := Sets{}
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("failed to parse replacement sets: %w", err)
	}

	v := validator.New()
	for name, rules := range sets {
		seen := make(map[string]bool, len(rules))
		for i, rule := range rules {
			if err := v.Struct(rule); err != nil {
				return nil, fmt.Errorf("replacement set %s rule %d: %w", name, i, err)
			}
			if seen[rule.Source] {
				return nil, fmt.Errorf("replacement set %s: duplicate source %s", name, rule.Source)
			}
			seen[rule.Source] = true
		}
	}
	return sets, nil
}

// Names returns the configured set names, sorted
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a set is configured
func (s *Service) Has(name string) bool {
	_, ok := s.sets[name]
	return ok
}

// Apply replaces symbols according to the named set. An empty or unknown set
// returns the allocations unchanged. Scaling up a replacement shrinks the
// untouched symbols proportionally (never below 10% of their combined weight),
// duplicates produced by the substitution are merged, and the result never sums
// above the original total.
func (s *Service) Apply(allocations []domain.AllocationItem, setName string) []domain.AllocationItem {
	if setName == "" {
		return allocations
	}
	rules, ok := s.sets[setName]
	if !ok || len(rules) == 0 {
		s.log.Debug().Str("set", setName).Msg("Replacement set not found, allocations unchanged")
		return allocations
	}

	bySource := make(map[string]Rule, len(rules))
	for _, r := range rules {
		bySource[r.Source] = r
	}

	originalTotal := 0.0
	excess := 0.0
	replaced := make(map[string]bool)
	modified := make([]domain.AllocationItem, 0, len(allocations))

	for _, a := range allocations {
		originalTotal += a.Allocation
		rule, ok := bySource[a.Symbol]
		if !ok {
			modified = append(modified, a)
			continue
		}
		scaled := a.Allocation * rule.Scale
		excess += scaled - a.Allocation
		replaced[rule.Target] = true
		modified = append(modified, domain.AllocationItem{Symbol: rule.Target, Allocation: scaled})

		s.log.Debug().
			Str("source", a.Symbol).
			Str("target", rule.Target).
			Float64("from", a.Allocation).
			Float64("to", scaled).
			Msg("Replaced symbol")
	}

	if excess > 0 {
		untouched := 0.0
		for _, a := range modified {
			if !replaced[a.Symbol] {
				untouched += a.Allocation
			}
		}
		if untouched > 0 {
			remaining := untouched - excess
			if remaining < minimumRemainder*untouched {
				s.log.Warn().
					Float64("excess", excess).
					Float64("available", untouched).
					Msg("Replacement scaling exceeds non-replaced allocation")
				remaining = minimumRemainder * untouched
			}
			factor := remaining / untouched
			for i := range modified {
				if !replaced[modified[i].Symbol] {
					modified[i].Allocation *= factor
				}
			}
		}
	}

	result := consolidate(modified)

	total := 0.0
	for _, a := range result {
		total += a.Allocation
	}
	if total > originalTotal+1e-9 && total > 0 {
		factor := originalTotal / total
		for i := range result {
			result[i].Allocation *= factor
		}
		s.log.Debug().
			Float64("total", total).
			Float64("normalized_to", originalTotal).
			Msg("Normalized replaced allocations")
	}

	return result
}

// consolidate merges duplicate symbols keeping first-seen order
func consolidate(items []domain.AllocationItem) []domain.AllocationItem {
	index := make(map[string]int, len(items))
	out := make([]domain.AllocationItem, 0, len(items))
	for _, a := range items {
		if i, ok := index[a.Symbol]; ok {
			out[i].Allocation += a.Allocation
			continue
		}
		index[a.Symbol] = len(out)
		out = append(out, a)
	}
	return out
}
