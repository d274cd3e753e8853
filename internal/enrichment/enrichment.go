// Package enrichment runs the three optional, independently-skippable
// prompt-enrichment stages ahead of dispatch: stored-prompt (vault)
// injection, vector-RAG context retrieval, and web search.
//
// The vector-RAG stage embeds the last user message and runs a similarity
// search through the VectorSearcher/QueryEmbedder interfaces; the returned
// chunks are used in the order the searcher gives them, with no reranking.
// The web-search stage has no teacher analogue; its topic-fan-out shape is
// grounded on the teacher's `errgroup`-based parallel cache+embed pattern
// in `internal/handler/chat.go` (sendEvent/errgroup.WithContext), applied
// here to concurrent per-topic searches instead.
package enrichment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nillion-oss/nilai-gateway/internal/apierror"
	"github.com/nillion-oss/nilai-gateway/internal/nuc"
	"golang.org/x/sync/errgroup"
)

// Message mirrors the OpenAI-compatible chat message shape the orchestrator
// passes around.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Source records one enrichment provenance entry surfaced back to the
// client in the final response.
type Source struct {
	Type  string `json:"type"`
	Query string `json:"query,omitempty"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// VaultClient fetches a stored prompt document by ID.
type VaultClient interface {
	FetchDocument(ctx context.Context, documentID string) (*VaultDocument, error)
}

// VaultDocument is the stored-prompt document returned by the vault.
type VaultDocument struct {
	ID       string
	OwnerDID string
	Prompt   *string
}

// InjectStoredPrompt implements stage 1. Any failure — missing document,
// owner mismatch, null prompt — is a hard abort (Forbidden), never a silent
// degradation, since this stage gates access to a specific document.
func InjectStoredPrompt(ctx context.Context, vault VaultClient, binding *nuc.DocumentBinding, messages []Message) ([]Message, error) {
	if binding == nil {
		return messages, nil
	}
	doc, err := vault.FetchDocument(ctx, binding.DocumentID)
	if err != nil {
		return nil, apierror.Forbidden("stored-prompt document unavailable: " + err.Error())
	}
	if doc.OwnerDID != binding.OwnerDID {
		return nil, apierror.Forbidden("stored-prompt document owner mismatch")
	}
	if doc.Prompt == nil || *doc.Prompt == "" {
		return nil, apierror.Forbidden("stored-prompt document has no prompt content")
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: "system", Content: *doc.Prompt})
	out = append(out, messages...)
	return out, nil
}

// VectorChunk is one retrieved context chunk.
type VectorChunk struct {
	Text  string
	Score float64
}

// VectorSearcher mirrors the teacher's similarity-search abstraction.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, queryVec []float32, topK int) ([]VectorChunk, error)
}

// QueryEmbedder mirrors the teacher's embedding abstraction.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const defaultNilragTopK = 2

// ApplyVectorRAG implements stage 2: embed the last user message, retrieve
// the top-K chunks, and fold them into the system message (appending to an
// existing one, or inserting a fresh one at position 0). topK <= 0 falls
// back to defaultNilragTopK.
func ApplyVectorRAG(ctx context.Context, embedder QueryEmbedder, searcher VectorSearcher, messages []Message, topK int) ([]Message, error) {
	if topK <= 0 {
		topK = defaultNilragTopK
	}

	lastUser := lastUserMessage(messages)
	if lastUser == "" {
		return messages, nil
	}

	var chunks []VectorChunk
	var err error
	if cached, ok := searcher.(interface {
		SearchText(ctx context.Context, queryText string, topK int) ([]VectorChunk, error)
	}); ok {
		chunks, err = cached.SearchText(ctx, lastUser, topK)
	} else {
		var vecs [][]float32
		vecs, err = embedder.Embed(ctx, []string{lastUser})
		if err == nil {
			chunks, err = searcher.SimilaritySearch(ctx, vecs[0], topK)
		}
	}
	if err != nil {
		slog.Warn("enrichment: nilrag retrieval failed, degrading gracefully", "err", err)
		return messages, nil
	}
	if len(chunks) == 0 {
		return messages, nil
	}

	var b strings.Builder
	b.WriteString("Relevant Context:\n")
	for _, c := range chunks {
		b.WriteString("- ")
		b.WriteString(c.Text)
		b.WriteString("\n")
	}

	return appendToSystemMessage(messages, b.String()), nil
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			if s, ok := messages[i].Content.(string); ok {
				return s
			}
		}
	}
	return ""
}

// appendToSystemMessage mutates the first system message's content (if it's
// a plain string) or inserts a fresh one, matching spec.md §7's "append or
// insert at position 0" rule.
func appendToSystemMessage(messages []Message, block string) []Message {
	for i := range messages {
		if messages[i].Role == "system" {
			if s, ok := messages[i].Content.(string); ok {
				messages[i].Content = s + "\n\n" + block
				return messages
			}
			// Non-string content (e.g. text-part list): leave structural
			// parts alone and insert a fresh system message ahead of it.
			break
		}
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: "system", Content: block})
	out = append(out, messages...)
	return out
}

// EnsureSystemContent is the idempotent invariant helper: calling it twice
// with the same block must not duplicate the content.
func EnsureSystemContent(messages []Message, block string) []Message {
	for i := range messages {
		if messages[i].Role == "system" {
			if s, ok := messages[i].Content.(string); ok && strings.Contains(s, block) {
				return messages
			}
		}
	}
	return appendToSystemMessage(messages, block)
}

// SearchProvider performs one web search for a query string.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one hit from the search provider, pre-fetch.
type SearchResult struct {
	URL   string
	Title string
}

// PageFetcher fetches a URL's main text content.
type PageFetcher interface {
	FetchText(ctx context.Context, url string) (string, error)
}

// TopicPlanner produces up to 4 {topic, needs_search} decisions from the
// user's query, and a search query string per topic that needs one.
type TopicPlanner interface {
	PlanTopics(ctx context.Context, userQuery string) ([]Topic, error)
	GenerateQuery(ctx context.Context, topic string) (string, error)
}

// Topic is one planned research angle.
type Topic struct {
	Topic       string
	NeedsSearch bool
}

const (
	maxTopics       = 3
	maxPageTextRune = 5000
)

// WebSearchResult is the stage-3 output.
type WebSearchResult struct {
	Messages []Message
	Sources  []Source
}

// ApplyWebSearch implements stage 3. Any failure degrades gracefully: the
// original messages flow through unchanged with empty sources, never an
// error — web search is a best-effort enrichment, not a security gate.
func ApplyWebSearch(ctx context.Context, planner TopicPlanner, search SearchProvider, fetch PageFetcher, messages []Message) WebSearchResult {
	userQuery := lastUserMessage(messages)
	if userQuery == "" {
		return WebSearchResult{Messages: messages}
	}

	topics, err := planner.PlanTopics(ctx, userQuery)
	if err != nil || len(topics) == 0 {
		return applySingleQueryFallback(ctx, planner, search, fetch, userQuery, messages)
	}

	needed := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if t.NeedsSearch {
			needed = append(needed, t)
		}
	}
	if len(needed) == 0 {
		return applySingleQueryFallback(ctx, planner, search, fetch, userQuery, messages)
	}
	if len(needed) > maxTopics {
		slog.Warn("enrichment: topic planner exceeded cap, truncating", "planned", len(needed), "cap", maxTopics)
		needed = needed[:maxTopics]
	}

	type topicOutcome struct {
		topic   string
		query   string
		blocks  string
		sources []Source
	}
	outcomes := make([]topicOutcome, len(needed))

	g, gCtx := errgroup.WithContext(ctx)
	for i, t := range needed {
		i, t := i, t
		g.Go(func() error {
			query, err := planner.GenerateQuery(gCtx, t.Topic)
			if err != nil || query == "" {
				query = t.Topic
			}
			results, err := search.Search(gCtx, query)
			if err != nil {
				slog.Warn("enrichment: web search failed for topic", "topic", t.Topic, "err", err)
				outcomes[i] = topicOutcome{topic: t.Topic, query: query}
				return nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Topic: %s\n", t.Topic)
			sources := []Source{{Type: "web_search_query", Query: query}}
			for _, r := range results {
				text, ferr := fetch.FetchText(gCtx, r.URL)
				if ferr != nil {
					slog.Warn("enrichment: page fetch failed", "url", r.URL, "err", ferr)
					continue
				}
				if len([]rune(text)) > maxPageTextRune {
					text = string([]rune(text)[:maxPageTextRune])
				}
				fmt.Fprintf(&b, "- %s: %s\n", r.Title, text)
				sources = append(sources, Source{Type: "web_search_result", URL: r.URL, Title: r.Title})
			}
			outcomes[i] = topicOutcome{topic: t.Topic, query: query, blocks: b.String(), sources: sources}
			return nil
		})
	}
	// Errors from individual goroutines are already absorbed inline; Wait
	// only guards context cancellation propagation.
	_ = g.Wait()

	var combined strings.Builder
	var allSources []Source
	for _, o := range outcomes {
		if o.blocks != "" {
			combined.WriteString(o.blocks)
			combined.WriteString("\n")
		}
		allSources = append(allSources, o.sources...)
	}

	if combined.Len() == 0 {
		return WebSearchResult{Messages: messages}
	}

	return WebSearchResult{
		Messages: appendToSystemMessage(messages, combined.String()),
		Sources:  allSources,
	}
}

// applySingleQueryFallback runs one direct search against the raw user
// query, used when topic planning fails, yields nothing, or marks no topic
// as needing a search. When every per-topic search fails, ApplyWebSearch
// returns the original messages instead of calling this.
func applySingleQueryFallback(ctx context.Context, planner TopicPlanner, search SearchProvider, fetch PageFetcher, userQuery string, messages []Message) WebSearchResult {
	results, err := search.Search(ctx, userQuery)
	if err != nil || len(results) == 0 {
		return WebSearchResult{Messages: messages}
	}

	var b strings.Builder
	sources := []Source{{Type: "web_search_query", Query: userQuery}}
	for _, r := range results {
		text, ferr := fetch.FetchText(ctx, r.URL)
		if ferr != nil {
			continue
		}
		if len([]rune(text)) > maxPageTextRune {
			text = string([]rune(text)[:maxPageTextRune])
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Title, text)
		sources = append(sources, Source{Type: "web_search_result", URL: r.URL, Title: r.Title})
	}
	if b.Len() == 0 {
		return WebSearchResult{Messages: messages}
	}
	return WebSearchResult{
		Messages: appendToSystemMessage(messages, b.String()),
		Sources:  sources,
	}
}

// HTTPPageFetcher is a minimal real implementation of PageFetcher, grounded
// on the standard library since no HTML-extraction library appears
// anywhere in the example pack. FetchText returns the response body as
// served, read up to maxPageTextRune*4 bytes; it does not strip markup or
// extract the main text.
type HTTPPageFetcher struct {
	Client *http.Client
}

func NewHTTPPageFetcher() *HTTPPageFetcher {
	return &HTTPPageFetcher{Client: &http.Client{Timeout: 8 * time.Second}}
}

func (f *HTTPPageFetcher) FetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("enrichment: fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageTextRune*4))
	if err != nil {
		return "", err
	}
	return string(body), nil
}
