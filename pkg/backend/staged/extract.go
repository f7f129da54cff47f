package staged

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/gobatch/pkg/backend"
)

// ExtractText renders the concatenated output documents to plain text.
//
// The output is already scoped to one submission's storage prefix, so no
// correlation filtering happens here (the parameter exists to satisfy the
// backend interface). Each line is unwrapped through the response /
// predictions envelope; lines without recognizable text blocks are kept
// verbatim so diagnostic payloads survive into the result artifact.
func (c *Client) ExtractText(raw []byte, _ string) (string, error) {
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return "", fmt.Errorf("%w: output line: %v", backend.ErrMalformed, err)
		}

		payload := envelopePayload(obj)
		if texts := textBlocks(payload); len(texts) > 0 {
			out = append(out, strings.Join(texts, "\n"))
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n\n")), nil
}

// envelopePayload unwraps the per-line envelope: the prediction payload
// may sit under "response", "predictions", or "prediction", or be the
// line itself.
func envelopePayload(obj map[string]json.RawMessage) json.RawMessage {
	for _, field := range []string{"response", "predictions", "prediction"} {
		if v, ok := obj[field]; ok {
			return v
		}
	}
	b, _ := json.Marshal(obj)
	return b
}

// textBlocks collects the text content blocks of a payload, if it has the
// expected message shape.
func textBlocks(payload json.RawMessage) []string {
	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil
	}
	var texts []string
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			texts = append(texts, block.Text)
		}
	}
	return texts
}
