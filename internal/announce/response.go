package announce

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Response is the validated LLM payload for an announcement.
type Response struct {
	Say      string   `json:"say"`
	Priority Priority `json:"priority"`
}

var ErrInvalidResponse = errors.New("invalid announce response")

// ParseResponse accepts exactly one JSON object carrying a non-empty "say"
// string and a "priority" of "normal" or "high". A surrounding markdown code
// fence is tolerated; anything else is an error.
func ParseResponse(raw string) (Response, error) {
	body := stripFence(strings.TrimSpace(raw))

	if !strings.HasPrefix(body, "{") {
		return Response{}, fmt.Errorf("%w: not a JSON object", ErrInvalidResponse)
	}

	var payload struct {
		Say      *string `json:"say"`
		Priority *string `json:"priority"`
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&payload); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if dec.More() {
		return Response{}, fmt.Errorf("%w: trailing data after object", ErrInvalidResponse)
	}
	if payload.Say == nil || strings.TrimSpace(*payload.Say) == "" {
		return Response{}, fmt.Errorf("%w: field 'say' must be a non-empty string", ErrInvalidResponse)
	}
	if payload.Priority == nil {
		return Response{}, fmt.Errorf("%w: field 'priority' is missing", ErrInvalidResponse)
	}

	p := Priority(*payload.Priority)
	if p != PriorityNormal && p != PriorityHigh {
		return Response{}, fmt.Errorf("%w: field 'priority' must be 'normal' or 'high'", ErrInvalidResponse)
	}

	return Response{Say: strings.TrimSpace(*payload.Say), Priority: p}, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
