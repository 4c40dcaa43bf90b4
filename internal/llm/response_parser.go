package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/scrypster/mnemo/pkg/types"
)

// ErrNoJSON is returned when a model response contains no JSON array or
// object at all.
var ErrNoJSON = errors.New("no JSON found in response")

// candidateSchemaJSON describes one element of the extraction array.
// Type names and confidence ranges are checked in Go after schema
// validation so that near-misses ("Decision", "0.8") can be coerced.
const candidateSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "title", "content", "category"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "title": {"type": "string", "minLength": 1},
    "content": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "confidence": {"type": ["number", "string"]},
    "related_entities": {
      "type": "array",
      "items": {"type": "string"}
    }
  }
}`

// defaultCandidateConfidence is used when an element omits confidence.
const defaultCandidateConfidence = 0.5

var candidateSchema = jsonschema.MustCompileString("candidate.json", candidateSchemaJSON)

// DroppedCandidate records an array element that failed validation.
type DroppedCandidate struct {
	Index  int
	Reason string
}

// ParseResult is the outcome of parsing one extraction response.
type ParseResult struct {
	Candidates []types.Candidate
	Dropped    []DroppedCandidate
}

// ParseCandidates extracts the JSON array from a model response and
// validates every element. Invalid elements are dropped and reported in
// Dropped; they never fail the whole response. A response holding no JSON
// returns ErrNoJSON.
func ParseCandidates(response string) (*ParseResult, error) {
	raw := extractJSON(response)
	if raw == "" {
		return nil, ErrNoJSON
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}

	elements, err := candidateElements(decoded)
	if err != nil {
		return nil, err
	}

	result := &ParseResult{Candidates: make([]types.Candidate, 0, len(elements))}
	for i, el := range elements {
		c, reason := validateCandidate(el)
		if reason != "" {
			result.Dropped = append(result.Dropped, DroppedCandidate{Index: i, Reason: reason})
			continue
		}
		result.Candidates = append(result.Candidates, c)
	}

	if len(result.Dropped) > 0 {
		log.Printf("llm: dropped %d of %d extraction candidates", len(result.Dropped), len(elements))
	}
	return result, nil
}

// candidateElements accepts a bare array, an object wrapping an array
// ({"memories": [...]}) or a single candidate object.
func candidateElements(decoded any) ([]any, error) {
	switch v := decoded.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range []string{"memories", "candidates", "items", "results"} {
			if arr, ok := v[key].([]any); ok {
				return arr, nil
			}
		}
		if _, ok := v["content"]; ok {
			return []any{v}, nil
		}
		return nil, fmt.Errorf("extraction response object has no candidate array")
	default:
		return nil, fmt.Errorf("extraction response is %T, want array", decoded)
	}
}

// validateCandidate returns the typed candidate or a non-empty drop reason.
func validateCandidate(el any) (types.Candidate, string) {
	var c types.Candidate

	if err := candidateSchema.Validate(el); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) && len(ve.Causes) > 0 {
			return c, "schema: " + ve.Causes[0].Error()
		}
		return c, "schema: " + err.Error()
	}
	obj := el.(map[string]any)

	memType, err := types.ParseMemoryType(obj["type"].(string))
	if err != nil {
		return c, err.Error()
	}

	c.Type = memType
	c.Title = strings.TrimSpace(obj["title"].(string))
	c.Content = strings.TrimSpace(obj["content"].(string))
	c.Category = strings.ToLower(strings.TrimSpace(obj["category"].(string)))
	if c.Title == "" || c.Content == "" {
		return c, "blank title or content"
	}

	c.Confidence = defaultCandidateConfidence
	if rawConf, ok := obj["confidence"]; ok {
		conf, err := coerceConfidence(rawConf)
		if err != nil {
			return c, err.Error()
		}
		c.Confidence = conf
	}

	if arr, ok := obj["related_entities"].([]any); ok {
		seen := make(map[string]bool, len(arr))
		for _, item := range arr {
			name := strings.TrimSpace(item.(string))
			if name == "" || seen[strings.ToLower(name)] {
				continue
			}
			seen[strings.ToLower(name)] = true
			c.RelatedEntities = append(c.RelatedEntities, name)
		}
	}

	return c, ""
}

// coerceConfidence parses numbers and numeric strings ("0.8", "80%") and
// clamps into [0,1].
func coerceConfidence(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		s := strings.TrimSpace(x)
		percent := strings.HasSuffix(s, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("confidence %q is not a number", x)
		}
		if percent {
			parsed /= 100
		}
		f = parsed
	default:
		return 0, fmt.Errorf("confidence has type %T", v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("confidence is not finite")
	}
	return types.ClampUnit(f), nil
}

// extractJSON returns the first balanced JSON array or object in text,
// skipping any prose or markdown fences the model added around it.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "[{")
	if start == -1 {
		return ""
	}
	open := text[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}

	// Unterminated: hand back the tail and let the decoder report it.
	return text[start:]
}
