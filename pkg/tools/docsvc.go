package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Tool schemas for the document-service battery.
var (
	InitUserDefinition = ToolDefinition{
		Name:        "init_user",
		Description: "Initialize the user's document storage space (container and folders). Run once before uploading or converting documents.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	}
	ListImagesDefinition = ToolDefinition{
		Name:        "list_images",
		Description: "List the images stored in the user's document space.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	}
	ListTemplatesDefinition = ToolDefinition{
		Name:        "list_templates",
		Description: "List the user's personal document templates.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	}
	ListSharedTemplatesDefinition = ToolDefinition{
		Name:        "list_shared_templates",
		Description: "List the document templates shared with all users.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	}
	ConvertWordToPDFDefinition = ToolDefinition{
		Name:        "convert_word_to_pdf",
		Description: "Convert a Word document (.doc or .docx) in the user's document space to PDF. Pass the file path relative to the user's space.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"file": {
					"type": "string",
					"description": "Path of the Word document, e.g. \"reports/q3.docx\""
				}
			},
			"required": ["file"]
		}`),
	}
)

// codeParamPattern matches the key-in-query auth parameter so it can be
// blanked out of anything that reaches logs or the model.
var codeParamPattern = regexp.MustCompile(`([?&]code=)[^&\s]+`)

// redactCode replaces the value of any code= query parameter in s.
func redactCode(s string) string {
	return codeParamPattern.ReplaceAllString(s, "${1}REDACTED")
}

// docsvcClient calls the document-service HTTP backend. Auth is a function
// key passed as a code= query parameter, read from the DOCSVC_API_KEY
// credential at call time so per-job credentials can override the
// operator's.
type docsvcClient struct {
	baseURL string
	http    *http.Client
}

func newDocsvcClient(cfg Backends) *docsvcClient {
	return &docsvcClient{
		baseURL: strings.TrimRight(cfg.DocsvcURL, "/"),
		http:    &http.Client{Timeout: cfg.timeout()},
	}
}

// call performs one backend request and returns the response body as text.
// Failures come back as a structured error result, never a Go error: the
// model should see what went wrong. The auth key is redacted from every
// message that leaves this function.
func (d *docsvcClient) call(ctx context.Context, method, path string, params url.Values) (Result, error) {
	if params == nil {
		params = url.Values{}
	}
	if key := Credential(ctx, "DOCSVC_API_KEY"); key != "" {
		params.Set("code", key)
	}

	reqURL := d.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return docsvcError(fmt.Sprintf("building request: %s", redactCode(err.Error())))
	}
	req.Header.Set("Accept", "application/json")
	if inv := InvocationFromCtx(ctx); inv.IdempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", inv.IdempotencyKey)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return docsvcError("document service request timed out")
		}
		return docsvcError(fmt.Sprintf("request failed: %s", redactCode(err.Error())))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return docsvcError(fmt.Sprintf("reading response: %s", redactCode(err.Error())))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return docsvcError(fmt.Sprintf("document service returned status %d: %s",
			resp.StatusCode, redactCode(strings.TrimSpace(string(body)))))
	}

	return TextResult(strings.TrimSpace(string(body))), nil
}

// userParam builds the query values carrying the caller identity. The user
// id comes from the invocation context; anonymous calls go through without
// the parameter and the backend applies its own default space.
func userParam(ctx context.Context) url.Values {
	params := url.Values{}
	if inv := InvocationFromCtx(ctx); inv.UserID != "" {
		params.Set("user", inv.UserID)
	}
	return params
}

func (d *docsvcClient) initUser(ctx context.Context, _ json.RawMessage) (Result, error) {
	return d.call(ctx, http.MethodPost, "/api/init", userParam(ctx))
}

func (d *docsvcClient) listImages(ctx context.Context, _ json.RawMessage) (Result, error) {
	return d.call(ctx, http.MethodGet, "/api/images", userParam(ctx))
}

func (d *docsvcClient) listTemplates(ctx context.Context, _ json.RawMessage) (Result, error) {
	return d.call(ctx, http.MethodGet, "/api/templates", userParam(ctx))
}

func (d *docsvcClient) listSharedTemplates(ctx context.Context, _ json.RawMessage) (Result, error) {
	return d.call(ctx, http.MethodGet, "/api/templates/shared", nil)
}

type convertArgs struct {
	File string `json:"file"`
}

func (d *docsvcClient) convertWordToPDF(ctx context.Context, args json.RawMessage) (Result, error) {
	var a convertArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return Result{}, fmt.Errorf("parsing convert_word_to_pdf args: %w", err)
	}
	a.File = strings.TrimSpace(a.File)
	if a.File == "" {
		return Result{}, fmt.Errorf("convert_word_to_pdf: file is required")
	}

	params := userParam(ctx)
	params.Set("file", a.File)
	return d.call(ctx, http.MethodPost, "/api/convert", params)
}

// docsvcError returns a structured error result (not a Go error) so the
// model can read the failure.
func docsvcError(msg string) (Result, error) {
	out, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling document service error: %w", err)
	}
	return Result{Output: out}, nil
}
