package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

const (
	// rawFetchCap is the maximum raw bytes downloaded before processing.
	// Readability and Markdown conversion need the full document; output
	// truncation happens afterwards. 5 MB covers any real-world article.
	rawFetchCap = 5 * 1024 * 1024

	// defaultOutputLimit and maxOutputLimit bound the processed output
	// returned to the model. ~18 000 chars ≈ 4 500 tokens; the model can
	// paginate with offset.
	defaultOutputLimit = 18_000
	maxOutputLimit     = 100_000

	// defaultLinksLimit is the max links returned per call in 'links' mode.
	defaultLinksLimit = 200
	maxLinksLimit     = 2_000

	fetchUserAgent = "orchestr/1.0 (fetch_page)"
)

// FetchPageDefinition is the model-facing schema for the fetch_page tool.
var FetchPageDefinition = ToolDefinition{
	Name: "fetch_page",
	Description: "Fetch a URL and return its content in a format optimized for reading. " +
		"A preflight HEAD request rejects binary content before downloading. " +
		"Three modes: 'article' (default) extracts the main body with readability and converts it to Markdown; " +
		"'full' converts the whole page to Markdown; 'links' returns a structured list of all links. " +
		"Non-HTML responses (JSON, plain text) are returned as-is. " +
		"Output is paginated: use offset + limit to read large pages in chunks.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {
				"type": "string",
				"description": "The URL to fetch (must be http:// or https://)"
			},
			"mode": {
				"type": "string",
				"enum": ["article", "links", "full"],
				"description": "Content extraction mode for HTML pages. Default: article."
			},
			"offset": {
				"type": "integer",
				"description": "Character offset into the processed output. Use with the 'truncated' hint to paginate. Default: 0.",
				"minimum": 0
			},
			"limit": {
				"type": "integer",
				"description": "Maximum characters of processed output (max 100000). In 'links' mode, the max number of links.",
				"minimum": 1,
				"maximum": 100000
			},
			"search": {
				"type": "string",
				"description": "Regex: return only lines matching this pattern, with 3 lines of context."
			}
		},
		"required": ["url"]
	}`),
}

// fetchPageArgs is the shape of the fetch_page tool's JSON arguments.
type fetchPageArgs struct {
	URL    string `json:"url"`
	Mode   string `json:"mode"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	Search string `json:"search"`
}

// pageLink is a single link extracted in links mode.
type pageLink struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// fetchPageResult is what we return to the model.
type fetchPageResult struct {
	URL         string     `json:"url"`
	Mode        string     `json:"mode,omitempty"`
	Status      int        `json:"status,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	Title       string     `json:"title,omitempty"`
	Content     string     `json:"content,omitempty"`
	Links       []pageLink `json:"links,omitempty"`
	WordCount   int        `json:"word_count,omitempty"`
	TotalChars  int        `json:"total_chars,omitempty"`
	// Truncated is a human-readable hint when output was cut; empty means not truncated.
	Truncated string `json:"truncated,omitempty"`
	Note      string `json:"note,omitempty"`
	Error     string `json:"error,omitempty"`
}

// allowedContentTypes is the set of MIME type prefixes we return.
// Binary types are rejected to keep responses readable.
var allowedContentTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/xhtml",
	"application/ld+json",
	"application/rss+xml",
	"application/atom+xml",
}

// NewFetchPage builds the fetch_page executor.
func NewFetchPage(cfg Backends) Executor {
	client := &http.Client{Timeout: cfg.timeout()}

	return func(ctx context.Context, args json.RawMessage) (Result, error) {
		var a fetchPageArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return Result{}, fmt.Errorf("parsing fetch_page args: %w", err)
		}

		if a.URL == "" {
			return Result{}, fmt.Errorf("fetch_page: url is required")
		}
		if !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
			return Result{}, fmt.Errorf("fetch_page: url must start with http:// or https://")
		}

		mode := strings.ToLower(a.Mode)
		if mode == "" {
			mode = "article"
		}
		if mode != "article" && mode != "links" && mode != "full" {
			return Result{}, fmt.Errorf("fetch_page: mode must be 'article', 'links', or 'full'")
		}

		outputLimit := a.Limit
		if outputLimit <= 0 || outputLimit > maxOutputLimit {
			outputLimit = defaultOutputLimit
		}
		outputOffset := a.Offset
		if outputOffset < 0 {
			outputOffset = 0
		}

		reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
		defer cancel()

		// Cheap HEAD first to detect binary content without downloading the
		// body. Preflight failures are ignored; the GET catches real problems.
		if refused := headPreflight(reqCtx, client, a.URL); refused != "" {
			return fetchResult(fetchPageResult{URL: a.URL, Mode: mode, Error: refused})
		}

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.URL, nil)
		if err != nil {
			return fetchResult(fetchPageResult{
				URL: a.URL, Mode: mode,
				Error: fmt.Sprintf("building request: %s", err.Error()),
			})
		}
		req.Header.Set("User-Agent", fetchUserAgent)

		resp, err := client.Do(req)
		if err != nil {
			errMsg := err.Error()
			if reqCtx.Err() != nil {
				errMsg = "request timed out"
			}
			return fetchResult(fetchPageResult{URL: a.URL, Mode: mode, Error: errMsg})
		}
		defer resp.Body.Close()

		contentType := resp.Header.Get("Content-Type")
		if !isAllowedContentType(contentType) {
			return fetchResult(fetchPageResult{
				URL: a.URL, Mode: mode, Status: resp.StatusCode, ContentType: contentType,
				Error: fmt.Sprintf("content type %q is not text-based; binary responses are not returned", contentType),
			})
		}

		rawBytes, err := io.ReadAll(io.LimitReader(resp.Body, rawFetchCap))
		if err != nil {
			return fetchResult(fetchPageResult{
				URL: a.URL, Mode: mode, Status: resp.StatusCode,
				Error: fmt.Sprintf("reading response body: %s", err.Error()),
			})
		}
		rawBody := string(rawBytes)

		res := fetchPageResult{
			URL:         a.URL,
			Mode:        mode,
			Status:      resp.StatusCode,
			ContentType: contentType,
		}

		if !isHTMLContentType(contentType) {
			// Non-HTML (JSON, plain text, etc.): return as-is, apply search + pagination.
			content := rawBody
			if a.Search != "" {
				content, err = applySearchFilter(content, a.Search)
				if err != nil {
					res.Error = fmt.Sprintf("invalid search pattern: %s", err.Error())
					return fetchResult(res)
				}
			}
			res.TotalChars = len(content)
			res.WordCount = countWords(content)
			res.Content, res.Truncated = paginateContent(content, outputOffset, outputLimit)
			return fetchResult(res)
		}

		parsedURL, _ := nurl.Parse(a.URL)
		if parsedURL == nil {
			parsedURL = &nurl.URL{}
		}

		switch mode {
		case "article":
			res = processArticleMode(res, rawBody, parsedURL, a.Search)
			res.TotalChars = len(res.Content)
			res.Content, res.Truncated = paginateContent(res.Content, outputOffset, outputLimit)

		case "full":
			md, convErr := htmltomarkdown.ConvertString(rawBody)
			if convErr != nil {
				res.Content = rawBody
				res.Note = "HTML-to-Markdown conversion failed; returning raw HTML."
			} else {
				content := strings.TrimSpace(md)
				if a.Search != "" {
					content, err = applySearchFilter(content, a.Search)
					if err != nil {
						res.Error = fmt.Sprintf("invalid search pattern: %s", err.Error())
						return fetchResult(res)
					}
				}
				res.Content = content
			}
			res.WordCount = countWords(res.Content)
			res.TotalChars = len(res.Content)
			res.Content, res.Truncated = paginateContent(res.Content, outputOffset, outputLimit)

		case "links":
			allLinks := extractLinks(rawBody, parsedURL)
			res.Links, res.Truncated = paginateLinks(allLinks, outputOffset, outputLimit)
			res.TotalChars = len(allLinks)
		}

		return fetchResult(res)
	}
}

// headPreflight does a cheap HEAD request and returns a non-empty error
// string if the content type is binary. An empty string means "proceed with
// the full GET". Network errors and method-not-allowed are ignored.
func headPreflight(ctx context.Context, client *http.Client, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return ""
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !isAllowedContentType(ct) {
		return fmt.Sprintf(
			"preflight HEAD refused: content type %q is binary or unsupported. Only text-based types are fetched.",
			ct,
		)
	}
	return ""
}

// paginateContent applies character-based offset and limit to a string.
// Returns the sliced content and a truncation hint (empty if not truncated).
func paginateContent(content string, offset, limit int) (string, string) {
	total := len(content)

	if offset >= total {
		if total == 0 {
			return "", ""
		}
		return "", fmt.Sprintf(
			"offset %d is past end of content (%d chars total). Use offset=0 to start from the beginning.",
			offset, total,
		)
	}

	content = content[offset:]
	if len(content) <= limit {
		return content, ""
	}

	// Truncate at limit, but try to break at a newline within the last 200
	// chars so a Markdown line isn't cut in half.
	cutAt := limit
	if nl := strings.LastIndexByte(content[:limit], '\n'); nl >= 0 && nl > limit-200 {
		cutAt = nl + 1
	}
	content = content[:cutAt]

	end := offset + cutAt
	hint := fmt.Sprintf(
		"output truncated to characters %d–%d of %d total. Retry with offset=%d to continue reading.",
		offset, end-1, total, end,
	)
	return content, hint
}

// paginateLinks applies index-based offset and limit to a link slice.
func paginateLinks(links []pageLink, offset, limit int) ([]pageLink, string) {
	if limit <= 0 || limit > maxLinksLimit {
		limit = defaultLinksLimit
	}
	total := len(links)

	if offset >= total {
		if total == 0 {
			return nil, ""
		}
		return nil, fmt.Sprintf(
			"offset %d is past end of link list (%d links total). Use offset=0 to start from the beginning.",
			offset, total,
		)
	}

	links = links[offset:]
	if len(links) <= limit {
		return links, ""
	}

	links = links[:limit]
	end := offset + limit
	hint := fmt.Sprintf(
		"showing links %d–%d of %d total. Retry with offset=%d to see more.",
		offset, end-1, total, end,
	)
	return links, hint
}

// processArticleMode runs readability on the HTML, converts the article to
// Markdown, and populates the result. Falls back to full-page conversion if
// readability yields too little. Output truncation is the caller's job.
func processArticleMode(res fetchPageResult, rawHTML string, pageURL *nurl.URL, search string) fetchPageResult {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)

	var markdown string
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		md, convErr := htmltomarkdown.ConvertString(rawHTML)
		if convErr != nil {
			res.Content = rawHTML
			res.Note = "Readability extraction and HTML-to-Markdown conversion both failed; returning raw HTML."
			return res
		}
		markdown = strings.TrimSpace(md)
		res.Note = "Readability could not extract article content; returning full page as Markdown."
	} else {
		res.Title = article.Title
		md, convErr := htmltomarkdown.ConvertString(article.Content)
		if convErr != nil {
			markdown = strings.TrimSpace(article.TextContent)
		} else {
			markdown = strings.TrimSpace(md)
		}
	}

	if search != "" && markdown != "" {
		filtered, err := applySearchFilter(markdown, search)
		if err != nil {
			res.Error = fmt.Sprintf("invalid search pattern: %s", err.Error())
			return res
		}
		markdown = filtered
	}

	res.Content = markdown
	res.WordCount = countWords(markdown)

	if res.Note == "" && res.WordCount < 100 {
		res.Note = fmt.Sprintf(
			"Low content detected (%d words). The page may be dynamic or require login. Consider mode='full' or mode='links'.",
			res.WordCount,
		)
	}

	return res
}

// extractLinks parses HTML and returns all unique, non-fragment links with
// their text, relative URLs resolved against the page URL.
func extractLinks(rawHTML string, baseURL *nurl.URL) []pageLink {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var links []pageLink
	seen := map[string]bool{}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			var href string
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = strings.TrimSpace(attr.Val)
					break
				}
			}
			if href != "" &&
				!strings.HasPrefix(href, "#") &&
				!strings.HasPrefix(href, "javascript:") &&
				!strings.HasPrefix(href, "mailto:") {
				if parsed, err := nurl.Parse(href); err == nil && baseURL != nil {
					href = baseURL.ResolveReference(parsed).String()
				}
				if !seen[href] {
					seen[href] = true
					text := strings.TrimSpace(nodeText(n))
					if text == "" {
						text = href
					}
					links = append(links, pageLink{URL: href, Text: text})
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

// nodeText returns the concatenated text content of all descendant text nodes.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// countWords returns the number of whitespace-separated words in s.
func countWords(s string) int {
	return len(strings.Fields(s))
}

// isHTMLContentType returns true if the content type is HTML or XHTML.
func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/html") ||
		strings.HasPrefix(ct, "application/xhtml")
}

// isAllowedContentType returns true if the content type is text-based.
func isAllowedContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// fetchResult marshals a fetchPageResult into a Result.
func fetchResult(r fetchPageResult) (Result, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling fetch_page result: %w", err)
	}
	return Result{Output: out}, nil
}

// applySearchFilter keeps only lines matching the regex, plus 3 lines of context.
func applySearchFilter(body, pattern string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", err
	}

	lines := strings.Split(body, "\n")
	const contextLines = 3

	keep := make([]bool, len(lines))
	for i, line := range lines {
		if re.MatchString(line) {
			start := max(0, i-contextLines)
			end := min(len(lines)-1, i+contextLines)
			for j := start; j <= end; j++ {
				keep[j] = true
			}
		}
	}

	var out []string
	prevKept := false
	for i, line := range lines {
		if keep[i] {
			if !prevKept && len(out) > 0 {
				out = append(out, "---")
			}
			out = append(out, line)
			prevKept = true
		} else {
			prevKept = false
		}
	}

	return strings.Join(out, "\n"), nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
