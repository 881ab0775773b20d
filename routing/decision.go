package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	ErrMalformedResponse = errors.New("malformed routing response")
	ErrNoRecipients      = errors.New("routing response has no recipients")
)

// Decision is the outcome of classifying one email. Recipients is never
// empty.
type Decision struct {
	Recipients []string
	Tags       []string
	Confidence float64
	Reasoning  string
}

type addressList []string

// UnmarshalJSON accepts either a single address or an array of them.
func (l *addressList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = addressList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type decisionResponse struct {
	RouteTo    addressList `json:"route_to"`
	Tags       []string    `json:"tags"`
	Confidence *float64    `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// ParseDecision extracts the JSON object spanning the first '{' through the
// last '}' of a model response and validates it.
func ParseDecision(text string) (*Decision, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	resp := &decisionResponse{}
	if err := json.Unmarshal([]byte(text[start:end+1]), resp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}

	recipients, err := normalizeRecipients(resp.RouteTo)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Recipients: recipients,
		Tags:       NormalizeTags(resp.Tags),
		Reasoning:  strings.TrimSpace(resp.Reasoning),
	}
	if resp.Confidence != nil {
		if c := *resp.Confidence; c < 0 || c > 1 {
			return nil, fmt.Errorf(
				"%w: confidence %v outside [0, 1]", ErrMalformedResponse, c,
			)
		}
		d.Confidence = *resp.Confidence
	}
	return d, nil
}

func normalizeRecipients(route []string) ([]string, error) {
	seen := map[string]bool{}
	recipients := make([]string, 0, len(route))

	for _, r := range route {
		if strings.TrimSpace(r) == "" {
			continue
		}
		addr, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf(
				"%w: invalid recipient %q: %s", ErrMalformedResponse, r, err,
			)
		}
		if lower := strings.ToLower(addr.Address); !seen[lower] {
			seen[lower] = true
			recipients = append(recipients, addr.Address)
		}
	}

	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	return recipients, nil
}

// NormalizeTags trims tags, strips any brackets the model added, drops
// empties and repeats, and keeps first-seen order.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	result := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = strings.TrimSpace(strings.Trim(strings.TrimSpace(tag), "[]"))
		if tag != "" && !seen[tag] {
			seen[tag] = true
			result = append(result, tag)
		}
	}
	return result
}

// TaggedSubject prefixes subject with each tag in brackets, in order.
func TaggedSubject(subject string, tags []string) string {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return subject
	}

	prefix := "[" + strings.Join(tags, "] [") + "]"
	if subject == "" {
		return prefix
	}
	return prefix + " " + subject
}
