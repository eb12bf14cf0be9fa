package workflow

import (
	"math/rand/v2"
	"strings"
)

// Placeholder is the reserved token that marks where the prompt text is
// injected into a workflow template. It must appear in at most one
// string-valued input across the whole graph.
const Placeholder = "%PROMPT%"

const (
	// MaxSeed is the largest seed value the backend can represent without
	// loss (2^53-1, the JSON/float safe-integer ceiling). Increment mode
	// wraps to 0 beyond it.
	MaxSeed = 1<<53 - 1

	// randomSeedCeiling bounds random seeds to [0, 1e15).
	randomSeedCeiling = 1_000_000_000_000_000
)

// SeedMode selects how the generation seed evolves across requests.
type SeedMode string

const (
	// SeedRandom draws a fresh uniform seed for every request.
	SeedRandom SeedMode = "random"

	// SeedIncrement advances the previously applied seed by one.
	SeedIncrement SeedMode = "increment"
)

// Toggle returns the other seed mode. Unknown values normalize to random.
func (m SeedMode) Toggle() SeedMode {
	if m == SeedRandom {
		return SeedIncrement
	}
	return SeedRandom
}

// TemplateError reports a workflow template that could not be prepared for
// submission: missing placeholder, malformed template, or a prompt that does
// not embed cleanly. Sessions that hit it settle without any network call.
type TemplateError struct {
	Reason string
	Err    error
}

func (e *TemplateError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Engine prepares workflow templates for submission. The random source is
// injectable so seed behavior is testable; the zero-argument constructor uses
// the process-global PRNG.
type Engine struct {
	randInt func(n int64) int64
}

// NewEngine returns an engine drawing random seeds from math/rand/v2.
func NewEngine() *Engine {
	return &Engine{randInt: rand.Int64N}
}

// NewEngineWithRand returns an engine using the supplied random source.
// randInt must return a uniform value in [0, n).
func NewEngineWithRand(randInt func(n int64) int64) *Engine {
	return &Engine{randInt: randInt}
}

// Prepare produces the submittable workflow for one request. It performs two
// independent passes:
//
//  1. Textual: serialize the graph, substitute the placeholder exactly once
//     with the prompt text (quotes and newlines escaped), re-parse.
//  2. Structural: compute the applied seed per mode and write it into every
//     "seed" / "noise_seed" input across all nodes.
//
// The input workflow is not modified. The applied seed is returned so the
// caller can persist it as the new lastSeed.
func (e *Engine) Prepare(wf Workflow, prompt string, mode SeedMode, lastSeed uint64) (Workflow, uint64, error) {
	text, err := Serialize(wf)
	if err != nil {
		return nil, 0, &TemplateError{Reason: "workflow did not serialize", Err: err}
	}

	if !strings.Contains(text, Placeholder) {
		return nil, 0, &TemplateError{Reason: "placeholder " + Placeholder + " not found in workflow"}
	}
	injected := strings.Replace(text, Placeholder, escapePrompt(prompt), 1)

	prepared, err := Parse(injected)
	if err != nil {
		return nil, 0, &TemplateError{Reason: "workflow is not valid JSON after prompt injection", Err: err}
	}

	seed := e.nextSeed(mode, lastSeed)
	applySeed(prepared, seed)

	return prepared, seed, nil
}

// nextSeed computes the seed to apply for this request.
func (e *Engine) nextSeed(mode SeedMode, lastSeed uint64) uint64 {
	if mode == SeedIncrement {
		next := lastSeed + 1
		if next > MaxSeed {
			next = 0
		}
		return next
	}
	return uint64(e.randInt(randomSeedCeiling))
}

// escapePrompt makes the prompt text safe to splice into a JSON string
// literal. Anything beyond quotes and newlines that still breaks the
// document is caught by the re-parse in Prepare.
func escapePrompt(prompt string) string {
	prompt = strings.ReplaceAll(prompt, `"`, `\"`)
	prompt = strings.ReplaceAll(prompt, "\n", `\n`)
	return prompt
}

// applySeed rewrites every seed-carrying input in place. Nodes without an
// inputs object, or with a non-object inputs value, are skipped rather than
// treated as errors; the graph shape is the backend's business.
func applySeed(wf Workflow, seed uint64) {
	for _, raw := range wf {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		for key := range inputs {
			if key == "seed" || key == "noise_seed" {
				inputs[key] = seed
			}
		}
	}
}
