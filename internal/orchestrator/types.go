package orchestrator

// Message is one OpenAI-compatible chat message. Content is either a plain
// string or a list of content parts (text/image); hasImagePart reports
// whether any part is an image, used to gate multimodal-only features.
type Message struct {
	Role       string `json:"role"`
	Content    any    `json:"content"`
	ToolCalls  any    `json:"tool_calls,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ChatRequest is the public POST /v1/chat/completions body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       any       `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
	WebSearch   bool      `json:"web_search,omitempty"`
	NilRAG      bool      `json:"nilrag,omitempty"`
}

// Usage is the aggregate token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion choice, OpenAI-shaped.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	LogProbs     any     `json:"logprobs,omitempty"`
}

// Source is provenance surfaced to the client for enrichment stages that
// produced one (web search).
type Source struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// SignedChatCompletion is the full response shape; Signature covers every
// other field serialized to canonical JSON with Signature itself empty.
type SignedChatCompletion struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	Model     string   `json:"model"`
	Choices   []Choice `json:"choices"`
	Usage     Usage    `json:"usage"`
	Signature string   `json:"signature"`
	Sources   []Source `json:"sources,omitempty"`
}

// UpstreamCompletion is what the OpenAI-compatible backend returns for a
// non-streaming call.
type UpstreamCompletion struct {
	ID      string
	Created int64
	Choices []Choice
	Usage   Usage
}
