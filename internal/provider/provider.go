// Package provider defines the boundary between the dispatcher and the
// concrete LLM backends. Bindings translate one attempt into one API call
// and classify every failure, so the dispatch logic never inspects HTTP
// responses itself.
package provider

import (
	"context"

	"github.com/mixaill76/free_llm_dispatch/internal/credential"
)

// Request carries the payload of a single generation attempt.
type Request struct {
	Prompt string

	// Image is optional raw image data sent alongside the prompt.
	// ImageMIME defaults to image/jpeg when empty.
	Image     []byte
	ImageMIME string
}

// HasImage reports whether the request carries image data.
func (r Request) HasImage() bool {
	return len(r.Image) > 0
}

// MIME returns the effective image content type.
func (r Request) MIME() string {
	if r.ImageMIME != "" {
		return r.ImageMIME
	}
	return "image/jpeg"
}

// Response is a successful generation result.
type Response struct {
	Text  string
	Model string
}

// Binding executes requests against one provider API.
//
// Generate performs exactly one attempt with the given credential and
// model tier. All failures apart from context cancellation come back as
// *Error carrying the class the dispatcher reacts to; cancellation is
// returned unwrapped so callers can tell it apart from provider faults.
type Binding interface {
	Name() string
	Generate(ctx context.Context, cred credential.Credential, tier string, req Request) (Response, error)
}
