package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type (
	// Page is a created document page.
	Page struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}

	// ChildBlock is a block listed from a page, with its identifier so it
	// can be deleted.
	ChildBlock struct {
		ID    string
		Type  string
		Block Block
	}

	// CreatePageRequest creates a page under a parent page.
	CreatePageRequest struct {
		ParentID string
		Title    string
		Children []Block
	}

	// TokenFunc resolves the provider bearer token.
	TokenFunc func(ctx context.Context) (string, error)

	// Client is the document provider surface the core depends on.
	Client interface {
		CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error)
		AppendBlocks(ctx context.Context, pageID string, blocks []Block) error
		ListChildren(ctx context.Context, pageID string) ([]ChildBlock, error)
		DeleteBlock(ctx context.Context, blockID string) error
	}
)

// HTTPClient implements Client against the REST API.
type HTTPClient struct {
	http    *http.Client
	baseURL string
	token   TokenFunc
	version string
}

// Options configures the HTTP client.
type Options struct {
	// Token resolves the bearer token. Required.
	Token TokenFunc
	// HTTPClient overrides the transport (primarily for tests).
	HTTPClient *http.Client
	// BaseURL overrides the API endpoint (primarily for tests).
	BaseURL string
}

// New builds the provider client.
func New(opts Options) (*HTTPClient, error) {
	if opts.Token == nil {
		return nil, errors.New("token func is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://api.notion.com/v1"
	}
	return &HTTPClient{http: hc, baseURL: base, token: opts.Token, version: "2022-06-28"}, nil
}

// CreatePage creates a page titled req.Title under req.ParentID with the
// given initial children.
func (c *HTTPClient) CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error) {
	if req.ParentID == "" {
		return nil, errors.New("parent id is required")
	}
	if req.Title == "" {
		return nil, errors.New("title is required")
	}
	body := map[string]any{
		"parent": map[string]string{"page_id": req.ParentID},
		"properties": map[string]any{
			"title": map[string]any{
				"title": []RichText{{Type: "text", Text: TextContent{Content: req.Title}}},
			},
		},
	}
	if len(req.Children) > 0 {
		body["children"] = req.Children
	}
	var page Page
	if err := c.do(ctx, http.MethodPost, "/pages", body, &page); err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &page, nil
}

// AppendBlocks appends blocks to the end of the page.
func (c *HTTPClient) AppendBlocks(ctx context.Context, pageID string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	body := map[string]any{"children": blocks}
	if err := c.do(ctx, http.MethodPatch, "/blocks/"+pageID+"/children", body, nil); err != nil {
		return fmt.Errorf("append blocks: %w", err)
	}
	return nil
}

// ListChildren returns the page's direct child blocks.
func (c *HTTPClient) ListChildren(ctx context.Context, pageID string) ([]ChildBlock, error) {
	var out struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/blocks/"+pageID+"/children?page_size=100", nil, &out); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	children := make([]ChildBlock, 0, len(out.Results))
	for _, raw := range out.Results {
		var meta struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode child block: %w", err)
		}
		var blk Block
		if err := json.Unmarshal(raw, &blk); err != nil {
			return nil, fmt.Errorf("decode child block: %w", err)
		}
		children = append(children, ChildBlock{ID: meta.ID, Type: meta.Type, Block: blk})
	}
	return children, nil
}

// DeleteBlock archives the block.
func (c *HTTPClient) DeleteBlock(ctx context.Context, blockID string) error {
	if err := c.do(ctx, http.MethodDelete, "/blocks/"+blockID, nil, nil); err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Notion-Version", c.version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
