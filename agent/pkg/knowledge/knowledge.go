// Package knowledge retrieves business knowledge snippets for prompts. Items
// come from a YAML file, markdown documents with YAML front matter, and
// confirmed answers added at runtime; retrieval is keyword based.
package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

const defaultTopK = 3

// Retriever finds knowledge relevant to a question.
type Retriever interface {
	Search(ctx context.Context, query string) ([]Item, error)
}

type Item struct {
	ID         string   `yaml:"id" json:"id"`
	Title      string   `yaml:"title" json:"title"`
	Content    string   `yaml:"content" json:"content"`
	Category   string   `yaml:"category" json:"category,omitempty"`
	Tags       []string `yaml:"tags" json:"tags,omitempty"`
	Keywords   []string `yaml:"keywords" json:"keywords,omitempty"`
	Priority   string   `yaml:"priority" json:"priority,omitempty"`
	SourceFile string   `yaml:"-" json:"source_file,omitempty"`
}

type Config struct {
	Logger *slog.Logger

	// File is an optional YAML file holding a list of items.
	File string
	// Dir is an optional directory of markdown documents, searched recursively.
	Dir  string
	TopK int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	return nil
}

// Base is an in-memory knowledge base.
type Base struct {
	log *slog.Logger
	cfg Config

	mu    sync.RWMutex
	items []Item
}

func New(cfg Config) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Base{log: cfg.Logger, cfg: cfg}
	if cfg.File != "" {
		if err := b.loadFile(cfg.File); err != nil {
			return nil, err
		}
	}
	if cfg.Dir != "" {
		if err := b.loadDir(cfg.Dir); err != nil {
			return nil, err
		}
	}
	b.log.Info("knowledge: loaded", "items", b.Len())
	return b, nil
}

func (b *Base) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read knowledge file: %w", err)
	}
	var doc struct {
		Items []Item `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse knowledge file %s: %w", path, err)
	}
	for _, item := range doc.Items {
		item.SourceFile = path
		b.Add(item)
	}
	return nil
}

func (b *Base) loadDir(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		b.log.Warn("knowledge: directory does not exist", "dir", dir)
		return nil
	}
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		item, err := ParseMarkdown(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if item.ID == "" {
			item.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		item.SourceFile = path
		b.Add(item)
		return nil
	})
}

// ParseMarkdown reads a markdown document with optional YAML front matter
// delimited by "---" lines. Without a title in the front matter, the first
// "# " heading is used.
func ParseMarkdown(data []byte) (Item, error) {
	var item Item
	body := data
	if rest, ok := bytes.CutPrefix(bytes.TrimLeft(data, "\uFEFF"), []byte("---\n")); ok {
		front, after, found := bytes.Cut(rest, []byte("\n---"))
		if !found {
			return Item{}, errors.New("unterminated front matter")
		}
		if err := yaml.Unmarshal(front, &item); err != nil {
			return Item{}, fmt.Errorf("invalid front matter: %w", err)
		}
		body = after
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			body = body[i+1:]
		} else {
			body = nil
		}
	}
	item.Content = strings.TrimSpace(string(body))
	if item.Title == "" {
		for line := range strings.SplitSeq(item.Content, "\n") {
			if title, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
				item.Title = strings.TrimSpace(title)
				break
			}
		}
	}
	return item, nil
}

// Add appends an item, replacing any existing item with the same id.
func (b *Base) Add(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if item.ID != "" {
		for i := range b.items {
			if b.items[i].ID == item.ID {
				b.items[i] = item
				return
			}
		}
	}
	b.items = append(b.items, item)
}

func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Search returns up to TopK items ranked by keyword overlap with the query.
func (b *Base) Search(ctx context.Context, query string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	words := tokenize(q)

	b.mu.RLock()
	defer b.mu.RUnlock()

	type scored struct {
		item  Item
		score int
	}
	var hits []scored
	for _, item := range b.items {
		if s := score(item, q, words); s > 0 {
			hits = append(hits, scored{item, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]Item, 0, min(len(hits), b.cfg.TopK))
	for _, h := range hits {
		if len(out) == b.cfg.TopK {
			break
		}
		out = append(out, h.item)
	}
	return out, nil
}

// score weighs explicit keywords and tags found in the query highest, then
// query words found in the title, then in the content.
func score(item Item, q string, words []string) int {
	s := 0
	for _, term := range append(append([]string(nil), item.Keywords...), item.Tags...) {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" && strings.Contains(q, t) {
			s += 3
		}
	}
	title := strings.ToLower(item.Title)
	content := strings.ToLower(item.Content)
	for _, w := range words {
		if strings.Contains(title, w) {
			s += 2
		}
		if strings.Contains(content, w) {
			s++
		}
	}
	if s > 0 && item.Priority == "high" {
		s++
	}
	return s
}

// tokenize splits on anything that is not a letter or digit and drops
// one-character latin tokens. Han runs are kept whole.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 && !unicode.Is(unicode.Han, []rune(f)[0]) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Format renders items as prompt context.
func Format(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### %s", item.Title)
		if len(item.Tags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(item.Tags, ", "))
		}
		sb.WriteString("\n")
		sb.WriteString(item.Content)
	}
	return sb.String()
}
