package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/sales-funnel/internal/llm"
	"github.com/capitalize-ai/sales-funnel/internal/model"
	"github.com/capitalize-ai/sales-funnel/pkg/logger"
	"github.com/capitalize-ai/sales-funnel/pkg/metrics"
)

// DefaultMaxImages caps image attachments per user turn.
const DefaultMaxImages = 3

const lastResortFallback = "Thanks for your message! Our manager will reply shortly."

var errEmptyCompletion = errors.New("empty completion")

// ClientSource resolves a completion client for an API key.
type ClientSource interface {
	For(apiKey string) (llm.Client, error)
}

// CompletionInput is one completion call.
type CompletionInput struct {
	SystemPrompt string
	History      []model.Message
	UserText     string
	Images       []llm.Image
	Timeout      time.Duration
	Model        string
	APIKey       string
	Channel      model.Channel
	// Fallback is sent verbatim when the call fails.
	Fallback string
}

// CompletionResult never has an empty Text.
type CompletionResult struct {
	Text      string
	Err       error
	Fallback  bool
	Model     string
	TokensIn  int
	TokensOut int
}

// Assembler runs completions against the configured provider.
type Assembler struct {
	clients   ClientSource
	maxImages int
	log       *logger.Logger
}

// NewAssembler creates an Assembler. maxImages <= 0 uses DefaultMaxImages.
func NewAssembler(clients ClientSource, maxImages int, log *logger.Logger) *Assembler {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	return &Assembler{clients: clients, maxImages: maxImages, log: log.Named("prompt")}
}

// CallCompletion performs the bounded call. Any failure yields the fallback.
func (a *Assembler) CallCompletion(ctx context.Context, in CompletionInput) CompletionResult {
	start := time.Now()

	client, err := a.clients.For(in.APIKey)
	if err != nil {
		return a.fallback(in, err, start)
	}

	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	user := llm.ChatMessage{Role: string(model.RoleUser), Content: in.UserText}
	if client.SupportsVision() && len(in.Images) > 0 {
		images := in.Images
		if len(images) > a.maxImages {
			a.log.Debug("dropping extra images", zap.Int("attached", len(images)), zap.Int("max", a.maxImages))
			images = images[:a.maxImages]
		}
		user.Images = images
	}

	messages := make([]llm.ChatMessage, 0, len(in.History)+1)
	for _, m := range in.History {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		messages = append(messages, llm.ChatMessage{Role: string(m.Role), Content: m.Text})
	}
	messages = append(messages, user)

	resp, err := client.Complete(ctx, &llm.CompletionRequest{
		Model:       in.Model,
		System:      in.SystemPrompt,
		Messages:    messages,
		Temperature: 0.6,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, model.ErrUpstreamTimeout) {
			err = fmt.Errorf("%w: %v", model.ErrUpstreamTimeout, err)
		}
		return a.fallback(in, err, start)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return a.fallback(in, errEmptyCompletion, start)
	}

	metrics.RecordCompletion(string(in.Channel), "ok", resp.Model, time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return CompletionResult{
		Text:      text,
		Model:     resp.Model,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
	}
}

func (a *Assembler) fallback(in CompletionInput, err error, start time.Time) CompletionResult {
	outcome := "error"
	var httpErr *model.UpstreamHTTPError
	fields := []zap.Field{
		zap.String("channel", string(in.Channel)),
		zap.String("model", in.Model),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, model.ErrMissingCredential):
		outcome = "missing_credential"
	case errors.Is(err, model.ErrUpstreamTimeout):
		outcome = "timeout"
		fields = append(fields, zap.Bool("aborted", true))
	case errors.As(err, &httpErr):
		outcome = "http_error"
		fields = append(fields, zap.Int("status", httpErr.Status))
	case errors.Is(err, errEmptyCompletion):
		outcome = "empty"
	}
	a.log.Warn("completion failed, using fallback", append(fields, zap.String("outcome", outcome))...)
	metrics.RecordCompletion(string(in.Channel), outcome, in.Model, time.Since(start).Seconds(), 0, 0)

	text := strings.TrimSpace(in.Fallback)
	if text == "" {
		text = lastResortFallback
	}
	return CompletionResult{Text: text, Err: err, Fallback: true, Model: in.Model}
}
