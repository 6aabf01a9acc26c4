// Package openrouter binds the dispatcher to the OpenRouter chat
// completions API used for fallback models.
package openrouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mixaill76/free_llm_dispatch/internal/credential"
	"github.com/mixaill76/free_llm_dispatch/internal/httputil"
	"github.com/mixaill76/free_llm_dispatch/internal/provider"
)

const (
	// Name is the provider label used in logs, metrics and events.
	Name = "openrouter"

	maxTokens       = 4000
	temperature     = 0.7
	errorPreviewLen = 256
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

// chatMessage content is a plain string for text-only prompts and a part
// list when an image rides along.
type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Binding talks to the OpenRouter API.
type Binding struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(baseURL string, client *http.Client, logger *slog.Logger) *Binding {
	return &Binding{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

func (b *Binding) Name() string {
	return Name
}

// Generate performs one chat completion call.
func (b *Binding) Generate(ctx context.Context, cred credential.Credential, tier string, req provider.Request) (provider.Response, error) {
	payload, err := json.Marshal(buildRequest(tier, req))
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassFatal, 0, "payload encoding failed", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassFatal, 0, "request construction failed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Key)

	b.logger.Debug("sending openrouter request",
		"tier", tier,
		"credential", cred.Display,
	)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return provider.Response{}, context.Canceled
		}
		class := provider.ClassifyTransportError(err)
		return provider.Response{}, provider.NewError(Name, tier, class, 0, "request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassTransient, resp.StatusCode, "reading response failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		class := provider.ClassifyStatus(resp.StatusCode)
		return provider.Response{}, provider.NewError(Name, tier, class, resp.StatusCode, httputil.Preview(body, errorPreviewLen), nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassTransient, resp.StatusCode, "malformed response body", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassEmpty, resp.StatusCode, "no text in response", provider.ErrEmptyResponse)
	}

	return provider.Response{Text: parsed.Choices[0].Message.Content, Model: tier}, nil
}

func buildRequest(tier string, req provider.Request) chatRequest {
	var content interface{} = req.Prompt
	if req.HasImage() {
		dataURL := fmt.Sprintf("data:%s;base64,%s", req.MIME(), base64.StdEncoding.EncodeToString(req.Image))
		content = []contentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		}
	}

	return chatRequest{
		Model:       tier,
		Messages:    []chatMessage{{Role: "user", Content: content}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}
