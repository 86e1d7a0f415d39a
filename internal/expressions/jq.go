package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/gantry/pkg/schema"
)

// Extractor applies jq programs to action results (the optional result_path
// on action nodes). Compiled programs are cached; safe for concurrent use.
type Extractor struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExtractor creates an Extractor with an empty cache.
func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Extract runs a jq program against data. A single output is returned
// directly; multiple outputs are collected into a []any.
func (e *Extractor) Extract(ctx context.Context, program string, data any) (any, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq program")
	}

	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecutor,
				"jq extraction failed for %q: %s", program, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *Extractor) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid jq program %q: %s", program, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"failed to compile jq program %q: %s", program, err.Error()).WithCause(err)
	}
	e.cache[program] = code
	return code, nil
}
