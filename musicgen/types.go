package musicgen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxPromptLength    = 1000
	minDurationSeconds = 10
	maxDurationSeconds = 480
)

// Prompt describes the music to generate.
type Prompt struct {
	// Text describing the track
	Text string `json:"text"`
	// Musical style, e.g. "lo-fi" or "ambient"
	Style string `json:"style,omitempty"`
	// If true, the track has no vocals
	Instrumental bool `json:"instrumental,omitempty"`
	// Requested duration, in seconds; 0 lets the provider decide
	DurationSeconds int `json:"durationSeconds,omitempty"`
}

// Validate returns an *InvalidPromptError if the prompt can't be sent to the provider.
func (p Prompt) Validate() error {
	text := strings.TrimSpace(p.Text)
	switch {
	case text == "":
		return &InvalidPromptError{Reason: "text is empty"}
	case utf8.RuneCountInString(text) > maxPromptLength:
		return &InvalidPromptError{Reason: "text is longer than " + strconv.Itoa(maxPromptLength) + " characters"}
	case p.DurationSeconds != 0 && (p.DurationSeconds < minDurationSeconds || p.DurationSeconds > maxDurationSeconds):
		return &InvalidPromptError{Reason: "duration must be between " + strconv.Itoa(minDurationSeconds) + " and " + strconv.Itoa(maxDurationSeconds) + " seconds"}
	}
	return nil
}

// Key returns the cache key for the prompt.
// Prompts that differ only in letter case or surrounding whitespace have the same key.
func (p Prompt) Key() string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(p.Text))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(p.Style))))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(p.Instrumental)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(p.DurationSeconds)))
	return hex.EncodeToString(h.Sum(nil))
}

// Track is a track returned by the provider.
type Track struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Style        string  `json:"style,omitempty"`
	AudioURL     string  `json:"audioUrl"`
	ImageURL     string  `json:"imageUrl,omitempty"`
	Duration     float64 `json:"duration"`
	Instrumental bool    `json:"instrumental"`
}

// Generator generates tracks for a prompt.
// It's implemented by Client.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) ([]Track, error)
}
