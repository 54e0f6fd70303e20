package openapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/llmbridge/types"
)

// Parser loads and validates OpenAPI documents into normalized Documents.
// Results are cached keyed by (source, content hash); cache population is
// deduplicated so concurrent registrations of the same spec resolve
// references exactly once.
type Parser struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Document
	group singleflight.Group

	parses    atomic.Int64
	cacheHits atomic.Int64
}

// ParserConfig configures the parser.
type ParserConfig struct {
	FetchTimeout time.Duration
}

// NewParser creates a spec parser. Each parser owns its cache; multiple
// parsers (e.g. in tests) do not share state.
func NewParser(cfg ParserConfig, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Parser{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "openapi_parser")),
		cache:      make(map[string]*Document),
	}
}

// Stats reports parser cache behavior.
type Stats struct {
	Parses    int64 // full parse+validate passes executed
	CacheHits int64
}

// Stats returns current parse/cache counters.
func (p *Parser) Stats() Stats {
	return Stats{Parses: p.parses.Load(), CacheHits: p.cacheHits.Load()}
}

// Load fetches a spec by URL or filesystem path and parses it.
func (p *Parser) Load(ctx context.Context, source string) (*Document, error) {
	var data []byte
	var err error
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, err = p.fetchFromURL(ctx, source)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, types.NewError(types.ErrSpecParse, fmt.Sprintf("failed to load spec from %s", source)).WithCause(err)
	}
	return p.Parse(source, data)
}

func (p *Parser) fetchFromURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Parse validates and normalizes a raw document. Parsing is side-effect-free;
// repeated calls with identical content return the cached Document.
func (p *Parser) Parse(source string, data []byte) (*Document, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := source + ":" + hash

	p.mu.RLock()
	if doc, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		p.cacheHits.Add(1)
		return doc, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.group.Do(key, func() (any, error) {
		// Re-check under the group: a concurrent caller may have populated
		// the cache while this call waited.
		p.mu.RLock()
		if doc, ok := p.cache[key]; ok {
			p.mu.RUnlock()
			return doc, nil
		}
		p.mu.RUnlock()

		doc, err := p.parse(source, hash, data)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cache[key] = doc
		p.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

func (p *Parser) parse(source, hash string, data []byte) (*Document, error) {
	p.parses.Add(1)

	raw, err := decodeRaw(data)
	if err != nil {
		return nil, types.NewError(types.ErrSpecParse, "document is not valid YAML or JSON").WithCause(err)
	}

	if !strings.HasPrefix(raw.OpenAPI, "3.0") && !strings.HasPrefix(raw.OpenAPI, "3.1") {
		return nil, types.NewError(types.ErrUnsupportedVersion,
			fmt.Sprintf("openapi version %q is not supported, need 3.0.x or 3.1.x", raw.OpenAPI))
	}

	servers := resolveServers(raw.Servers)
	if len(servers) == 0 {
		return nil, types.NewError(types.ErrNoServer, "spec defines no servers")
	}

	doc := &Document{
		Source:   source,
		Hash:     hash,
		OpenAPI:  raw.OpenAPI,
		Title:    raw.Info.Title,
		Version:  raw.Info.Version,
		Servers:  servers,
		Security: normalizeSecurity(raw.Components),
	}
	if doc.Title == "" {
		doc.Warnings = append(doc.Warnings, "API title is empty")
	}
	if doc.Version == "" {
		doc.Warnings = append(doc.Warnings, "API version is empty")
	}

	res := newResolver(raw.Components)
	seen := make(map[string]int)
	for path, item := range raw.Paths {
		for method, rawOp := range item.operations() {
			op, err := normalizeOperation(path, method, rawOp, item.Parameters, res)
			if err != nil {
				return nil, err
			}
			if op.Synthetic {
				doc.Warnings = append(doc.Warnings, fmt.Sprintf("operation %s %s has no operationId", method, path))
			}
			doc.Operations = append(doc.Operations, op)
		}
	}
	sortOperations(doc.Operations)

	// Enforce ID uniqueness after deterministic ordering so suffixes are
	// stable across runs.
	for i := range doc.Operations {
		id := doc.Operations[i].ID
		seen[id]++
		if n := seen[id]; n > 1 {
			doc.Operations[i].ID = fmt.Sprintf("%s_%d", id, n)
		}
	}

	p.logger.Info("parsed OpenAPI spec",
		zap.String("source", source),
		zap.String("title", doc.Title),
		zap.String("version", doc.Version),
		zap.Int("operations", len(doc.Operations)),
		zap.Int("warnings", len(doc.Warnings)),
	)
	return doc, nil
}

func normalizeOperation(path, method string, rawOp *rawOperation, shared []rawParameter, res *resolver) (Operation, error) {
	op := Operation{
		Method:      method,
		Path:        path,
		Summary:     rawOp.Summary,
		Description: rawOp.Description,
	}
	if rawOp.OperationID != "" {
		op.ID = rawOp.OperationID
	} else {
		op.ID = SyntheticID(method, path)
		op.Synthetic = true
	}

	params := make([]rawParameter, 0, len(shared)+len(rawOp.Parameters))
	params = append(params, shared...)
	params = append(params, rawOp.Parameters...)
	for _, rp := range params {
		param, err := res.resolveParameter(rp)
		if err != nil {
			return Operation{}, opError(err, op.ID)
		}
		op.Parameters = append(op.Parameters, param)
	}

	if rawOp.RequestBody != nil {
		body, required, err := res.resolveRequestBody(*rawOp.RequestBody)
		if err != nil {
			return Operation{}, opError(err, op.ID)
		}
		op.RequestBody = body
		op.BodyRequired = required
	}

	if resp, ok := rawOp.Responses["200"]; ok {
		if mt, ok := resp.Content["application/json"]; ok && mt.Schema != nil {
			schema, err := res.resolveSchema(mt.Schema, nil)
			if err != nil {
				return Operation{}, opError(err, op.ID)
			}
			op.Response = schema
		}
	}
	return op, nil
}

func opError(err error, opID string) error {
	var e *types.Error
	if errors.As(err, &e) {
		return e.WithOperation(opID)
	}
	return err
}

func resolveServers(raws []rawServer) []Server {
	out := make([]Server, 0, len(raws))
	for _, s := range raws {
		url := s.URL
		for name, v := range s.Variables {
			url = strings.ReplaceAll(url, "{"+name+"}", v.Default)
		}
		if url == "" {
			continue
		}
		out = append(out, Server{URL: url, Description: s.Description})
	}
	return out
}

func normalizeSecurity(c *rawComponents) map[string]SecurityScheme {
	if c == nil || len(c.SecuritySchemes) == 0 {
		return nil
	}
	out := make(map[string]SecurityScheme, len(c.SecuritySchemes))
	for name, s := range c.SecuritySchemes {
		scheme := SecurityScheme{
			Type:         s.Type,
			Name:         s.Name,
			In:           s.In,
			Scheme:       s.Scheme,
			BearerFormat: s.BearerFormat,
		}
		if s.Flows != nil && s.Flows.ClientCredentials != nil {
			scheme.TokenURL = s.Flows.ClientCredentials.TokenURL
			scopes := make([]string, 0, len(s.Flows.ClientCredentials.Scopes))
			for scope := range s.Flows.ClientCredentials.Scopes {
				scopes = append(scopes, scope)
			}
			sort.Strings(scopes)
			scheme.Scopes = strings.Join(scopes, " ")
		}
		out[name] = scheme
	}
	return out
}

// MarshalIndentJSON renders the normalized document, mostly for debugging.
func (d *Document) MarshalIndentJSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
