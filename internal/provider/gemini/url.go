package gemini

import (
	"fmt"
	"strings"
)

// BuildGenerateURL constructs the Google AI Studio URL.
// Format: {base_url}/v1beta/models/{model}:generateContent
func BuildGenerateURL(baseURL, model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimSuffix(baseURL, "/"), model)
}

// BuildVertexURL constructs the Vertex AI URL.
// Format: https://{location}-aiplatform.googleapis.com/v1beta1/projects/{project}/locations/{location}/publishers/google/models/{model}:generateContent
func BuildVertexURL(projectID, location, model string) string {
	// The global location has no regional prefix.
	if location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1beta1/projects/%s/locations/global/publishers/google/models/%s:generateContent",
			projectID, model,
		)
	}

	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1beta1/projects/%s/locations/%s/publishers/google/models/%s:generateContent",
		location, projectID, location, model,
	)
}
