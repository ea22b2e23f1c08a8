package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchWebDefinition is the model-facing schema for the search_web tool.
var SearchWebDefinition = ToolDefinition{
	Name: SearchWebName,
	Description: "Search the web for current information (weather, news, recent events). " +
		"Returns an answer synthesized by the search backend plus source links.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query, in the user's language"
			}
		},
		"required": ["query"]
	}`),
}

// searchWebArgs is the shape of the search_web tool's JSON arguments.
type searchWebArgs struct {
	Query string `json:"query"`
}

// searchWebResult is what we return to the model.
type searchWebResult struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Sources []searchSource `json:"sources,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type searchSource struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// searchBackendResponse is the relevant subset of the search backend's reply.
type searchBackendResponse struct {
	Answer  string `json:"answer"`
	Message string `json:"message"`
	Sources []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"sources"`
}

// newsFocusMarkers switch the backend into news focus. Checked against the
// lowercased query.
var newsFocusMarkers = []string{"news", "actualite", "actualité", "headline", "breaking"}

// NewSearchWeb builds the search_web executor against the configured backend.
// The backend is a form-POST endpoint: query and focus mode in the body, an
// optional SEARCH_API_KEY credential as a bearer token.
func NewSearchWeb(cfg Backends) Executor {
	client := &http.Client{Timeout: cfg.timeout()}

	return func(ctx context.Context, args json.RawMessage) (Result, error) {
		var a searchWebArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return Result{}, fmt.Errorf("parsing search_web args: %w", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return Result{}, fmt.Errorf("search_web: query is required")
		}

		reqCtx, cancel := context.WithTimeout(ctx, searchCallTimeout)
		defer cancel()

		form := url.Values{}
		form.Set("query", a.Query)
		form.Set("focus_mode", focusModeFor(a.Query))

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.SearchURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return searchError(a.Query, fmt.Sprintf("building request: %s", err.Error()))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		if key := Credential(ctx, "SEARCH_API_KEY"); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := client.Do(req)
		if err != nil {
			if reqCtx.Err() != nil {
				return searchError(a.Query, "search request timed out")
			}
			return searchError(a.Query, fmt.Sprintf("request failed: %s", err.Error()))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
		if err != nil {
			return searchError(a.Query, fmt.Sprintf("reading response body: %s", err.Error()))
		}

		switch resp.StatusCode {
		case http.StatusOK:
			// fall through to parsing
		case http.StatusTooManyRequests:
			return searchError(a.Query, "search backend rate limit exceeded (429), try again later")
		default:
			return searchError(a.Query, fmt.Sprintf("search backend returned status %d", resp.StatusCode))
		}

		var backend searchBackendResponse
		if err := json.Unmarshal(body, &backend); err != nil {
			// Some backends answer with plain text. Use it verbatim.
			return marshalSearchResult(searchWebResult{
				Query:  a.Query,
				Answer: strings.TrimSpace(string(body)),
			})
		}

		answer := backend.Answer
		if answer == "" {
			answer = backend.Message
		}

		sources := make([]searchSource, 0, len(backend.Sources))
		for _, s := range backend.Sources {
			sources = append(sources, searchSource{Title: s.Title, URL: s.URL})
		}

		return marshalSearchResult(searchWebResult{
			Query:   a.Query,
			Answer:  answer,
			Sources: sources,
		})
	}
}

// focusModeFor picks the backend focus mode from the query text.
func focusModeFor(query string) string {
	q := strings.ToLower(query)
	for _, marker := range newsFocusMarkers {
		if strings.Contains(q, marker) {
			return "news"
		}
	}
	return "webSearch"
}

// searchError returns a structured error result (not a Go error) so the
// model can see what went wrong and respond appropriately.
func searchError(query, msg string) (Result, error) {
	return marshalSearchResult(searchWebResult{Query: query, Error: msg})
}

func marshalSearchResult(r searchWebResult) (Result, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling search_web result: %w", err)
	}
	return Result{Output: out}, nil
}

// searchCallTimeout bounds one backend call independent of the shared client
// timeout.
const searchCallTimeout = 15 * time.Second
