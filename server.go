package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gamma-omg/observable-extractor/docstore"
	"github.com/gamma-omg/observable-extractor/observables"
	"github.com/gamma-omg/observable-extractor/readers"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type observableExtractor interface {
	ExtractFile(path string) (*observables.Set, error)
	Lookup(ctx context.Context, value string) ([]docstore.Match, error)
	Observables(ctx context.Context, file string) (*observables.Set, error)
}

type observableSearcher interface {
	Search(ctx context.Context, query string) ([]docstore.Match, error)
}

var errOutsideRoot = errors.New("path is outside the document root")

type toolHandlers struct {
	extractor observableExtractor
	searcher  observableSearcher
	root      string
}

// NewObservableServer builds the MCP server. searcher may be nil, in which
// case the semantic search tool is not offered. When root is set,
// extract_observables only reads documents under it and resolves relative
// paths against it. An empty root leaves the tool unrestricted.
func NewObservableServer(extractor observableExtractor, searcher observableSearcher, root string) *server.MCPServer {
	h := &toolHandlers{extractor: extractor, searcher: searcher, root: root}

	srv := server.NewMCPServer("Observable extractor", "0.1.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("extract_observables",
		mcp.WithDescription("Extract hashes (sha512, sha256, sha1, md5), IPv4 addresses and URLs from a document (PDF, DOC, DOCX, XLS, XLSX, TXT, CSV)"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path of the document, relative to the document root"),
		),
		mcp.WithString("types",
			mcp.Description("Comma separated observable types to extract, all by default"),
		)), h.extract)

	srv.AddTool(mcp.NewTool("lookup_observable",
		mcp.WithDescription("Find the indexed documents that contain an observable"),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("Hash, IP address or URL"),
		)), h.lookup)

	srv.AddTool(mcp.NewTool("document_observables",
		mcp.WithDescription("List the observables indexed for a document"),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Path of the document, relative to the document root"),
		)), h.document)

	if searcher != nil {
		srv.AddTool(mcp.NewTool("search_observables",
			mcp.WithDescription("Semantic search over the indexed observables"),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Search query"),
			)), h.search)
	}

	return srv
}

func (h *toolHandlers) extract(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	kinds, err := observables.ParseKinds(request.GetString("types", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	path, err = h.confine(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	set, err := h.extractor.ExtractFile(path)
	if err != nil {
		var unsupported *readers.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			return mcp.NewToolResultError(fmt.Sprintf("unsupported document type: %s", unsupported.MimeType)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	if len(kinds) > 0 {
		filtered := observables.NewSet()
		for _, k := range kinds {
			for _, v := range set.Values(k) {
				filtered.Add(k, v)
			}
		}
		set = filtered
	}

	raw, err := json.Marshal(struct {
		File        string           `json:"file"`
		MimeType    string           `json:"mime_type"`
		Observables *observables.Set `json:"observables"`
	}{
		File:        path,
		MimeType:    readers.DetectMimeType(path),
		Observables: set,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}

// confine resolves path against the document root and rejects anything
// that escapes it. Symlinks are not followed.
func (h *toolHandlers) confine(path string) (string, error) {
	if h.root == "" {
		return path, nil
	}

	root, err := filepath.Abs(h.root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve document root: %w", err)
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, errOutsideRoot)
	}

	return path, nil
}

func (h *toolHandlers) document(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	file, err := request.RequireString("file")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	file = strings.TrimSpace(file)
	set, err := h.extractor.Observables(ctx, file)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := json.Marshal(struct {
		File        string           `json:"file"`
		Observables *observables.Set `json:"observables"`
	}{
		File:        file,
		Observables: set,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}

func (h *toolHandlers) lookup(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := request.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := h.extractor.Lookup(ctx, strings.TrimSpace(v))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return matchesResult(res)
}

func (h *toolHandlers) search(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := h.searcher.Search(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return matchesResult(res)
}

func matchesResult(matches []docstore.Match) (*mcp.CallToolResult, error) {
	var response string
	for _, m := range matches {
		raw, err := json.Marshal(struct {
			File  string  `json:"file"`
			Type  string  `json:"type"`
			Value string  `json:"value"`
			Score float32 `json:"score,omitempty"`
		}{
			File:  m.File,
			Type:  string(m.Kind),
			Value: m.Value,
			Score: m.Score,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		response += fmt.Sprintf("%s\n", string(raw))
	}

	return mcp.NewToolResultText(response), nil
}
