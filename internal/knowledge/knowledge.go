// Package knowledge holds the route knowledge base used to ground both model
// stages. A Base is immutable once loaded and is shared across requests.
package knowledge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"burrowed-assistant/internal/domain"
)

//go:embed routes.json
var defaultRoutes []byte

// Format selects the decoder for a route document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

type document struct {
	Routes []domain.RouteDescriptor `json:"routes" yaml:"routes"`
}

// Base is the loaded set of routes.
type Base struct {
	routes []domain.RouteDescriptor
	byURL  map[string]int
}

// Default returns the knowledge base compiled into the binary.
func Default() (*Base, error) {
	return Load(bytes.NewReader(defaultRoutes), FormatJSON)
}

// Open loads path, or the embedded document when path is empty.
func Open(path string) (*Base, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	return LoadFile(path)
}

// LoadFile reads a route document from disk. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func LoadFile(path string) (*Base, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Load(f, format)
}

// Load decodes and validates a route document.
func Load(r io.Reader, format Format) (*Base, error) {
	var doc document
	switch format {
	case FormatJSON:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("knowledge: read document: %w", err)
		}
		// Route documents may carry comments and trailing commas.
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, fmt.Errorf("knowledge: decode json: %w", err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("knowledge: decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("knowledge: unsupported format %q", format)
	}
	return newBase(doc.Routes)
}

func newBase(routes []domain.RouteDescriptor) (*Base, error) {
	if len(routes) == 0 {
		return nil, errors.New("knowledge: document has no routes")
	}
	b := &Base{
		routes: make([]domain.RouteDescriptor, 0, len(routes)),
		byURL:  make(map[string]int, len(routes)),
	}
	for i, r := range routes {
		url := strings.TrimSpace(r.URL)
		if url == "" {
			return nil, fmt.Errorf("knowledge: route %d has no url", i)
		}
		if _, dup := b.byURL[url]; dup {
			return nil, fmt.Errorf("knowledge: duplicate route %q", url)
		}
		r.URL = url
		r.Sections = append([]domain.Section(nil), r.Sections...)
		b.byURL[url] = len(b.routes)
		b.routes = append(b.routes, r)
	}
	return b, nil
}

// Len returns the number of routes.
func (b *Base) Len() int {
	return len(b.routes)
}

// ClassifierView lists every route without section bodies, in document order.
func (b *Base) ClassifierView() []domain.RouteSummary {
	out := make([]domain.RouteSummary, 0, len(b.routes))
	for _, r := range b.routes {
		out = append(out, r.Summary())
	}
	return out
}

// Lookup finds a route by exact URL.
func (b *Base) Lookup(url string) (domain.RouteDescriptor, bool) {
	i, ok := b.byURL[url]
	if !ok {
		return domain.RouteDescriptor{}, false
	}
	return copyRoute(b.routes[i]), true
}

// Contains reports whether url names a known route.
func (b *Base) Contains(url string) bool {
	_, ok := b.byURL[url]
	return ok
}

// BuildContext resolves urls to full descriptors. Unknown URLs are skipped.
func (b *Base) BuildContext(urls []string) []domain.RouteDescriptor {
	out := make([]domain.RouteDescriptor, 0, len(urls))
	for _, u := range urls {
		if r, ok := b.Lookup(u); ok {
			out = append(out, r)
		}
	}
	return out
}

func copyRoute(r domain.RouteDescriptor) domain.RouteDescriptor {
	r.Sections = append([]domain.Section(nil), r.Sections...)
	return r
}
