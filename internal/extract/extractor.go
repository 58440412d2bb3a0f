package extract

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/corpus-enricher/internal/model"
	"github.com/sells-group/corpus-enricher/internal/resilience"
	"github.com/sells-group/corpus-enricher/pkg/anthropic"
)

var (
	// ErrEmptyResponse means the model returned no text.
	ErrEmptyResponse = eris.New("extract: empty model response")
	// ErrTruncated means generation stopped at the max_tokens limit.
	ErrTruncated = eris.New("extract: model response truncated")
	// ErrNoValidRecords means every candidate failed validation.
	ErrNoValidRecords = eris.New("extract: no valid facets in response")
)

// Config tunes the Extractor.
type Config struct {
	Model             string
	MaxTokens         int64
	VersionTag        string
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Timeout           time.Duration
	RequestsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = resilience.TimeoutExtended
	}
	return c
}

// Result is the outcome of one Extract call.
type Result struct {
	Records    []model.EnrichmentRecord
	Dropped    int // candidates that failed validation
	Duplicates int // candidates sharing a facet hash with an earlier one
	Usage      anthropic.TokenUsage
	Attempts   int
}

// Extractor calls the model for one item and returns validated records.
type Extractor struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
}

// New creates an Extractor. A RequestsPerMinute of zero disables rate
// limiting.
func New(client anthropic.Client, cfg Config) *Extractor {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &Extractor{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

type attemptResult struct {
	records    []model.EnrichmentRecord
	dropped    int
	duplicates int
}

// Extract builds the prompt, calls the model and validates its facets.
// Every failure mode (call error, timeout, empty or truncated output,
// unparseable JSON, zero valid facets) fails the attempt, and the whole
// call is retried with exponential backoff. The returned Result carries
// usage and attempt count even when err is non-nil.
func (e *Extractor) Extract(ctx context.Context, item model.SourceItem, snippets []model.SearchResult) (*Result, error) {
	prompt := BuildPrompt(item, snippets)
	req := anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    prompt.System,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt.User}},
	}

	res := &Result{}
	out, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    e.cfg.MaxAttempts,
		InitialBackoff: e.cfg.InitialBackoff,
		MaxBackoff:     e.cfg.MaxBackoff,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    resilience.RetryAlways,
		OnRetry:        resilience.RetryLogger("anthropic", "extract"),
	}, func(ctx context.Context) (attemptResult, error) {
		res.Attempts++
		return e.attempt(ctx, item, req, res)
	})
	if err != nil {
		return res, eris.Wrapf(err, "extract: item %s after %d attempts", item.ID, res.Attempts)
	}

	res.Records = out.records
	res.Dropped = out.dropped
	res.Duplicates = out.duplicates
	return res, nil
}

func (e *Extractor) attempt(ctx context.Context, item model.SourceItem, req anthropic.MessageRequest, res *Result) (attemptResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return attemptResult{}, eris.Wrap(err, "extract: rate limiter")
	}

	resp, err := resilience.WithTimeout(ctx, e.cfg.Timeout, "anthropic.create_message",
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return e.client.CreateMessage(ctx, req)
		})
	if err != nil {
		return attemptResult{}, err
	}
	res.Usage = res.Usage.Add(resp.Usage)

	if resp.Truncated() {
		return attemptResult{}, ErrTruncated
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return attemptResult{}, ErrEmptyResponse
	}

	parsed := Parse(text)
	if pe, ok := parsed.(ParseError); ok {
		return attemptResult{}, pe.Err
	}

	candidates := Candidates(parsed)
	var records []model.EnrichmentRecord
	dropped := 0
	for i := range candidates {
		if err := Validate(&candidates[i]); err != nil {
			dropped++
			zap.L().Debug("extract: dropped facet",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		records = append(records, ToRecord(candidates[i], item.ID, e.cfg.VersionTag))
	}
	if len(records) == 0 {
		return attemptResult{}, eris.Wrapf(ErrNoValidRecords, "%d candidates, %d dropped", len(candidates), dropped)
	}

	kept, dups := Dedupe(records)
	return attemptResult{records: kept, dropped: dropped, duplicates: dups}, nil
}

// IsModelOutputError reports whether err came from the model's output
// rather than from the call itself.
func IsModelOutputError(err error) bool {
	return errors.Is(err, ErrEmptyResponse) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrNoValidRecords)
}
