package llm

import "context"

// MockClient is a configurable draft client for testing.
// Set the response fields to control what Draft returns.
type MockClient struct {
	DraftResponse string
	DraftError    error

	// Call tracking for assertions
	DraftCalls []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		DraftResponse: "mock draft answer",
	}
}

func (c *MockClient) Draft(_ context.Context, query string, _ []string) (string, error) {
	c.DraftCalls = append(c.DraftCalls, query)
	if c.DraftError != nil {
		return "", c.DraftError
	}
	return c.DraftResponse, nil
}
