package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"equity-screener/internal/ai"
	"equity-screener/internal/logging"
)

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripMarkdownCodeBlock removes markdown code block formatting from LLM responses
// Handles formats like: ```json\n{...}\n``` or ```\n{...}\n```
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)
	if matches := codeFence.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}

// completer is the part of Client the judge uses
type completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Judge asks an LLM for a verdict on one candidate
type Judge struct {
	client completer
	logger *logging.Logger
}

// NewJudge wraps a client as an ai.Judge
func NewJudge(client *Client, logger *logging.Logger) *Judge {
	if logger == nil {
		logger = logging.Default()
	}
	return &Judge{
		client: client,
		logger: logger.WithComponent("ai").WithFields(map[string]interface{}{
			"provider": string(client.GetProvider()),
			"model":    client.Model(),
		}),
	}
}

// Evaluate implements ai.Judge
func (j *Judge) Evaluate(ctx context.Context, in ai.Context) (ai.Verdict, error) {
	payload, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return ai.Verdict{}, fmt.Errorf("failed to encode context: %w", err)
	}

	response, err := j.client.Complete(ctx, SystemPromptTradeReview, fmt.Sprintf(tradeReviewTemplate, in.Type, payload))
	if err != nil {
		return ai.Verdict{}, fmt.Errorf("%w: %v", ai.ErrJudgeUnavailable, err)
	}

	v, err := parseVerdict(response)
	if err != nil {
		j.logger.Warn("Unparseable judge reply", "symbol", in.Symbol, "reply", truncate(response, 200))
		return ai.Verdict{}, err
	}
	return v, nil
}

// rawVerdict accepts confidence as a number or numeric string
type rawVerdict struct {
	Confidence   json.Number `json:"confidence"`
	RiskCategory string      `json:"risk_category"`
	Timeframe    string      `json:"timeframe"`
	Avoid        *bool       `json:"avoid"`
	Rationale    string      `json:"rationale"`
}

func parseVerdict(response string) (ai.Verdict, error) {
	clean := stripMarkdownCodeBlock(response)
	if clean == "" {
		return ai.Verdict{}, fmt.Errorf("%w: empty reply", ai.ErrMalformedVerdict)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return ai.Verdict{}, fmt.Errorf("%w: %v", ai.ErrMalformedVerdict, err)
	}
	if raw.Confidence == "" {
		return ai.Verdict{}, fmt.Errorf("%w: missing confidence", ai.ErrMalformedVerdict)
	}
	conf, err := raw.Confidence.Float64()
	if err != nil {
		return ai.Verdict{}, fmt.Errorf("%w: confidence %q", ai.ErrMalformedVerdict, raw.Confidence)
	}

	v := ai.Verdict{
		Confidence:   conf,
		RiskCategory: raw.RiskCategory,
		Timeframe:    raw.Timeframe,
		Rationale:    raw.Rationale,
	}
	if raw.Avoid != nil {
		v.Avoid = *raw.Avoid
	}
	return ai.Normalize(v)
}
