package generate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Gemini streams responses from the Gemini API with thinking output
// enabled. It implements Generator.
type Gemini struct {
	client  *genai.Client
	model   string
	retry   RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGemini creates a Gemini generator for the given model. The API key
// is read from the GEMINI_API_KEY environment variable by the client.
func NewGemini(ctx context.Context, model string, logger *slog.Logger) (*Gemini, error) {
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		retry:  DefaultRetryConfig(),
		// Paces request starts, not tokens. 1 rps with burst 5 stays
		// well under the API's per-minute quota for a single process.
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  logger,
	}, nil
}

// Generate streams a response for the given turns, invoking onDelta for
// each thought or answer fragment in order.
//
// Transient errors are retried with exponential backoff, but only while
// no delta has been delivered yet. Once the consumer has seen output,
// a retry would replay fragments, so mid-stream failures are final.
func (g *Gemini) Generate(ctx context.Context, turns []Turn, onDelta DeltaFunc) error {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		var role genai.Role = genai.RoleUser
		if turn.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}

	cfg := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{IncludeThoughts: true},
	}

	var lastErr error
	delay := g.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		delivered, err := g.streamOnce(ctx, contents, cfg, onDelta)
		if err == nil {
			g.logger.Debug("generation completed",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return nil
		}

		lastErr = err

		if delivered || !retryableError(err) {
			return fmt.Errorf("generating content: %w", err)
		}

		if attempt == g.retry.MaxRetries {
			break
		}

		g.logger.Debug("retrying after error",
			"attempt", attempt+1,
			"delay", delay,
			"elapsed", time.Since(start),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, g.retry.MaxInterval)
		}
	}

	return fmt.Errorf("generating content after %d retries (elapsed: %v): %w",
		g.retry.MaxRetries, time.Since(start), lastErr)
}

// streamOnce runs a single streaming call. delivered reports whether
// any delta reached onDelta, which disqualifies the attempt from retry.
func (g *Gemini) streamOnce(ctx context.Context, contents []*genai.Content,
	cfg *genai.GenerateContentConfig, onDelta DeltaFunc) (delivered bool, err error) {

	for resp, iterErr := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if iterErr != nil {
			return delivered, iterErr
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				delta := Delta{Text: part.Text}
				if part.Thought {
					delta = Delta{Thought: part.Text}
				}
				onDelta(delta)
				delivered = true
			}
		}
	}

	return delivered, nil
}
