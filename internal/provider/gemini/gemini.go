// Package gemini binds the dispatcher to the Gemini API, either through
// Google AI Studio with API keys or through Vertex AI with service account
// tokens.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/genai"

	"github.com/mixaill76/free_llm_dispatch/internal/auth"
	"github.com/mixaill76/free_llm_dispatch/internal/credential"
	"github.com/mixaill76/free_llm_dispatch/internal/httputil"
	"github.com/mixaill76/free_llm_dispatch/internal/provider"
)

const (
	// Name is the provider label used in logs, metrics and events.
	Name = "gemini"

	endpointCacheSize = 128
	errorPreviewLen   = 256
)

// generateRequest is the generateContent envelope. The genai SDK supplies
// the wire types; requests go out over our own HTTP client.
type generateRequest struct {
	Contents         []*genai.Content        `json:"contents"`
	GenerationConfig *genai.GenerationConfig `json:"generationConfig,omitempty"`
}

// Config selects the endpoint flavor. BaseURL serves API key credentials;
// ProjectID and Location serve service account credentials via Vertex AI.
type Config struct {
	BaseURL   string
	ProjectID string
	Location  string
}

type endpoint struct {
	url    string
	vertex bool
}

// Binding talks to the Gemini API. Resolved endpoints are cached per
// credential and tier pair; the cache belongs to the binding instance.
type Binding struct {
	cfg       Config
	client    *http.Client
	tokens    *auth.TokenManager
	endpoints *lru.Cache[string, endpoint]
	logger    *slog.Logger
}

// New creates the binding. tokens may be nil when no service account
// credentials are configured.
func New(cfg Config, client *http.Client, tokens *auth.TokenManager, logger *slog.Logger) *Binding {
	endpoints, err := lru.New[string, endpoint](endpointCacheSize)
	if err != nil {
		panic(fmt.Sprintf("gemini.New: endpoint cache: %v", err))
	}

	return &Binding{
		cfg:       cfg,
		client:    client,
		tokens:    tokens,
		endpoints: endpoints,
		logger:    logger,
	}
}

func (b *Binding) Name() string {
	return Name
}

// Generate performs one generateContent call.
func (b *Binding) Generate(ctx context.Context, cred credential.Credential, tier string, req provider.Request) (provider.Response, error) {
	ep, err := b.endpointFor(cred, tier)
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassFatal, 0, "endpoint setup failed", err)
	}

	payload, err := buildPayload(req)
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassFatal, 0, "payload encoding failed", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassFatal, 0, "request construction failed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if ep.vertex {
		token, err := b.tokens.GetToken(ctx, cred.ServiceAccountFile)
		if err != nil {
			return provider.Response{}, provider.NewError(Name, tier, provider.ClassTransient, 0, "token acquisition failed", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set("x-goog-api-key", cred.Key)
	}

	b.logger.Debug("sending gemini request",
		"tier", tier,
		"credential", cred.Display,
		"vertex", ep.vertex,
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

	text, err := extractText(body)
	if err != nil {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassTransient, resp.StatusCode, "malformed response body", err)
	}
	if text == "" {
		return provider.Response{}, provider.NewError(Name, tier, provider.ClassEmpty, resp.StatusCode, "no text in response", provider.ErrEmptyResponse)
	}

	return provider.Response{Text: text, Model: tier}, nil
}

func (b *Binding) endpointFor(cred credential.Credential, tier string) (endpoint, error) {
	key := cred.ID() + "\x00" + tier
	if ep, ok := b.endpoints.Get(key); ok {
		return ep, nil
	}

	var ep endpoint
	if cred.ServiceAccountFile != "" {
		if b.tokens == nil {
			return endpoint{}, fmt.Errorf("service account credential %s requires a token manager", cred.Display)
		}
		if b.cfg.ProjectID == "" {
			return endpoint{}, fmt.Errorf("service account credential %s requires a project id", cred.Display)
		}
		ep = endpoint{url: BuildVertexURL(b.cfg.ProjectID, b.cfg.Location, tier), vertex: true}
	} else {
		ep = endpoint{url: BuildGenerateURL(b.cfg.BaseURL, tier)}
	}

	b.endpoints.Add(key, ep)
	return ep, nil
}

func buildPayload(req provider.Request) ([]byte, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	if req.HasImage() {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: req.MIME(),
				Data:     req.Image,
			},
		})
	}

	env := generateRequest{
		Contents: []*genai.Content{{Role: "user", Parts: parts}},
	}
	return json.Marshal(env)
}

// extractText concatenates the text parts of the first candidate, skipping
// thought parts the way the SDK's text accessor does.
func extractText(body []byte) (string, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 {
		return "", nil
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
