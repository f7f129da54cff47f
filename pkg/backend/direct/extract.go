package direct

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/3leaps/gobatch/pkg/backend"
)

// resultEntry is one line of the results stream.
type resultEntry struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string `json:"type"`
		Message struct {
			Content []contentBlock `json:"content"`
		} `json:"message"`
	} `json:"result"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractText renders the results stream to plain text.
//
// The stream may carry entries for other submissions, so entries are
// filtered to correlationID when it is non-empty. A matched entry that did
// not succeed is returned verbatim as the payload rather than discarded,
// so the failure detail reaches the result artifact.
func (c *Client) ExtractText(raw []byte, correlationID string) (string, error) {
	var chunks []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var entry resultEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return "", fmt.Errorf("%w: results line: %v", backend.ErrMalformed, err)
		}
		if correlationID != "" && entry.CustomID != correlationID {
			continue
		}

		if entry.Result.Type != "succeeded" {
			if correlationID != "" && entry.CustomID == correlationID {
				return line, nil
			}
			continue
		}

		var texts []string
		for _, block := range entry.Result.Message.Content {
			if block.Type == "text" {
				texts = append(texts, block.Text)
			}
		}
		if len(texts) > 0 {
			chunks = append(chunks, strings.Join(texts, "\n"))
		}
	}
	return strings.TrimSpace(strings.Join(chunks, "\n\n")), nil
}
