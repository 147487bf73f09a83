package eval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/knoguchi/rageval/internal/llm"
)

const judgeSystemPrompt = `You are a strict judge. Your task is to evaluate the response based on the user query on a likert scale from 1 to 5.
1 - Poor: The response is irrelevant or incorrect.
2 - Fair: The response has some relevance but lacks accuracy or completeness.
3 - Good: The response is generally accurate but may miss some details.
4 - Very Good: The response is accurate and covers most of the important details.
5 - Excellent: The response is highly accurate, comprehensive, and directly addresses the user query using useful information.

The user's query is in the <user_query> tags and the response is in the <response> tags.
Reply with the rating first.`

var (
	// scalePattern matches mentions of the scale itself, such as "1-5" or "out of 5".
	scalePattern   = regexp.MustCompile(`(?i)\b[1-5]\s*(?:-|to)\s*5\b|\bout\s+of\s+5\b|/\s*5\b`)
	keywordPattern = regexp.MustCompile(`(?i)\b(?:rating|score)\b(?:\s*\([^)]*\))?\s*[:=-]?\s*\**([1-5])\b`)
	leadingPattern = regexp.MustCompile(`^\W*([1-5])\b`)
	ratingPattern  = regexp.MustCompile(`\b([1-5])\b`)
)

// Rating is the judge's verdict on one generated answer.
type Rating struct {
	Prompt      string `json:"prompt"`
	LLMResponse string `json:"llm_response"`
	Rating      int    `json:"rating"`
	Raw         string `json:"raw"`
	Error       string `json:"error,omitempty"`
}

// Judge rates generated answers on a 1-5 Likert scale using an LLM.
type Judge struct {
	llm    llm.LLM
	model  string
	logger *slog.Logger
}

// JudgeOption configures a Judge.
type JudgeOption func(*Judge)

// WithJudgeModel overrides the judge model.
func WithJudgeModel(model string) JudgeOption {
	return func(j *Judge) {
		j.model = model
	}
}

// WithJudgeLogger sets the logger.
func WithJudgeLogger(l *slog.Logger) JudgeOption {
	return func(j *Judge) {
		j.logger = l
	}
}

// NewJudge creates a Judge.
func NewJudge(client llm.LLM, opts ...JudgeOption) *Judge {
	j := &Judge{llm: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Rate asks the model for one rating. A reply without a rating is returned
// with Rating 0 and the parse error.
func (j *Judge) Rate(ctx context.Context, prompt, response string) (Rating, error) {
	r := Rating{Prompt: prompt, LLMResponse: response}
	if j.llm == nil {
		return r, fmt.Errorf("llm judge client is nil")
	}

	raw, err := j.llm.Generate(ctx, judgeInput(prompt, response), llm.GenerateOptions{
		Model:        j.model,
		SystemPrompt: judgeSystemPrompt,
		Temperature:  llm.Temperature(0),
		MaxTokens:    256,
	})
	if err != nil {
		return r, fmt.Errorf("judge call: %w", err)
	}
	r.Raw = strings.TrimSpace(raw)

	rating, err := parseRating(r.Raw)
	if err != nil {
		r.Error = err.Error()
		return r, nil
	}
	r.Rating = rating
	return r, nil
}

// RateArtifact rates every record of an artifact that has an answer.
// The trailing aggregate is ignored. Cancellation stops between records and
// returns the ratings so far.
func (j *Judge) RateArtifact(ctx context.Context, path string) ([]Rating, error) {
	records, _, err := ReadArtifact(path)
	if err != nil {
		return nil, err
	}

	var ratings []Rating
	for _, rec := range records {
		if ctx.Err() != nil {
			return ratings, ctx.Err()
		}
		if strings.TrimSpace(rec.LLMResponse) == "" {
			continue
		}
		r, err := j.Rate(ctx, rec.Prompt, rec.LLMResponse)
		if err != nil {
			if ctx.Err() != nil {
				return ratings, ctx.Err()
			}
			r.Error = err.Error()
			j.logger.Warn("judge failed", "index", rec.Index, "error", err)
		}
		ratings = append(ratings, r)
	}
	return ratings, nil
}

// RatingsPath derives the ratings file name from an artifact path.
func RatingsPath(artifactPath string) string {
	return strings.TrimSuffix(artifactPath, ".json") + "_llm_judge_ratings.json"
}

// WriteRatings writes ratings as a JSON array.
func WriteRatings(path string, ratings []Rating) error {
	if ratings == nil {
		ratings = []Rating{}
	}
	return writeJSONAtomic(path, ratings)
}

// MeanRating averages the parsed ratings. ok is false when none parsed.
func MeanRating(ratings []Rating) (mean float64, ok bool) {
	n := 0
	for _, r := range ratings {
		if r.Rating > 0 {
			mean += float64(r.Rating)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return mean / float64(n), true
}

func judgeInput(prompt, response string) string {
	return fmt.Sprintf("<user_query>\n%s\n</user_query>\n<response>\n%s\n</response>", prompt, response)
}

func parseRating(text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, fmt.Errorf("empty judge response")
	}

	// A digit after "rating" or "score" wins, then a leading digit, then the
	// last standalone digit, so the scale bounds in prose are not taken.
	stripped := scalePattern.ReplaceAllString(trimmed, " ")
	digit := ""
	if m := keywordPattern.FindStringSubmatch(stripped); m != nil {
		digit = m[1]
	} else if m := leadingPattern.FindStringSubmatch(stripped); m != nil {
		digit = m[1]
	} else if all := ratingPattern.FindAllStringSubmatch(stripped, -1); len(all) > 0 {
		digit = all[len(all)-1][1]
	}
	if digit == "" {
		return 0, fmt.Errorf("no 1-5 rating in response: %q", trimmed)
	}

	val, err := strconv.Atoi(digit)
	if err != nil {
		return 0, fmt.Errorf("invalid rating %q: %w", digit, err)
	}
	return val, nil
}
