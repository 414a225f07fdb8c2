package links

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed default_knowledge.yaml
var defaultKnowledge string

var titleCaser = cases.Title(language.English)

// kbEntry is one compiled entity matcher.
type kbEntry struct {
	name    string
	url     string
	pattern *regexp.Regexp
}

// knowledgeFile is the on-disk YAML shape.
type knowledgeFile struct {
	Entities map[string]string `yaml:"entities"`
}

// KnowledgeBase maps proper-noun entity names to canonical URLs and locates
// their occurrences in text with case-insensitive whole-word matching. A
// missing or malformed knowledge file degrades to an empty base; it never
// fails a conversion.
type KnowledgeBase struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	entries []kbEntry
}

// NewKnowledgeBase loads the knowledge file at path, writing the default
// file first if none exists, and watches it for edits. Load problems are
// logged and leave the base empty.
func NewKnowledgeBase(path string, logger *logrus.Logger) *KnowledgeBase {
	kb := &KnowledgeBase{path: path, logger: logger}

	if err := kb.ensureFile(); err != nil {
		logger.WithError(err).Warn("Could not create default knowledge base file")
		return kb
	}
	if err := kb.Load(); err != nil {
		logger.WithError(err).Warn("Could not load knowledge base, entity linking disabled")
	}
	if err := kb.startFileWatcher(); err != nil {
		logger.WithError(err).Warn("Could not watch knowledge base file for changes")
	}

	return kb
}

// ensureFile writes the embedded default knowledge base if the file does
// not exist yet.
func (kb *KnowledgeBase) ensureFile() error {
	if _, err := os.Stat(kb.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check knowledge base file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(kb.path), 0700); err != nil {
		return fmt.Errorf("failed to create knowledge base directory: %w", err)
	}
	if err := os.WriteFile(kb.path, []byte(defaultKnowledge), 0600); err != nil {
		return fmt.Errorf("failed to write default knowledge base: %w", err)
	}

	kb.logger.WithField("path", kb.path).Info("Created default knowledge base file")
	return nil
}

// Load reads and compiles the knowledge file, replacing the current entry
// set on success and leaving it untouched on failure.
func (kb *KnowledgeBase) Load() error {
	data, err := os.ReadFile(kb.path)
	if err != nil {
		return fmt.Errorf("failed to read knowledge base: %w", err)
	}

	var file knowledgeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse knowledge base YAML: %w", err)
	}

	entries := make([]kbEntry, 0, len(file.Entities))
	for name, target := range file.Entities {
		name = strings.TrimSpace(name)
		target = strings.TrimSpace(target)
		if name == "" || target == "" {
			continue
		}
		entries = append(entries, compileEntry(name, target))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	kb.mu.Lock()
	kb.entries = entries
	kb.mu.Unlock()

	kb.logger.WithFields(logrus.Fields{
		"path":     kb.path,
		"entities": len(entries),
	}).Debug("Loaded knowledge base")
	return nil
}

// compileEntry builds the whole-word, case-insensitive matcher for an
// entity name. Names are quoted literally, so compilation cannot fail.
func compileEntry(name, target string) kbEntry {
	pattern := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
	return kbEntry{name: name, url: target, pattern: pattern}
}

// startFileWatcher reloads the knowledge base whenever the file is written.
func (kb *KnowledgeBase) startFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- watcher.Add(kb.path)
	}()

	select {
	case err := <-done:
		if err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch knowledge base file: %w", err)
		}
	case <-time.After(5 * time.Second):
		watcher.Close()
		return fmt.Errorf("timeout watching knowledge base file: %s", kb.path)
	}

	kb.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					kb.logger.WithField("path", kb.path).Debug("Knowledge base changed, reloading")
					if err := kb.Load(); err != nil {
						kb.logger.WithError(err).Error("Failed to reload knowledge base")
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				kb.logger.WithError(err).Error("Knowledge base watcher error")
			}
		}
	}()

	return nil
}

// Close stops the file watcher.
func (kb *KnowledgeBase) Close() error {
	if kb.watcher == nil {
		return nil
	}
	return kb.watcher.Close()
}

// Len reports the number of loaded entities.
func (kb *KnowledgeBase) Len() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.entries)
}

// Matches finds every occurrence of every known entity in text. Overlap
// between matches is left for the resolver to arbitrate.
func (kb *KnowledgeBase) Matches(text string) []Span {
	kb.mu.RLock()
	entries := kb.entries
	kb.mu.RUnlock()

	var spans []Span
	for _, entry := range entries {
		for _, loc := range entry.pattern.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], URL: entry.url})
		}
	}
	return spans
}

// WithDocumentURIs returns a knowledge base extended with entities derived
// from the given URIs, typically link targets recovered from the document
// itself. Configured entities win name collisions. The receiver is not
// modified and the returned base has no watcher of its own.
func (kb *KnowledgeBase) WithDocumentURIs(uris []string) *KnowledgeBase {
	if len(uris) == 0 {
		return kb
	}

	kb.mu.RLock()
	entries := slices.Clone(kb.entries)
	kb.mu.RUnlock()

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		seen[strings.ToLower(entry.name)] = true
	}

	added := 0
	for _, uri := range uris {
		name := EntityFromURL(uri)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, compileEntry(name, uri))
		added++
	}

	if added == 0 {
		return kb
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	return &KnowledgeBase{logger: kb.logger, entries: entries}
}

// EntityFromURL derives an entity display name from a URL's final path
// segment, e.g. https://en.wikipedia.org/wiki/Pyrrhus_of_Epirus yields
// "Pyrrhus of Epirus". It returns "" for URLs that carry no usable slug.
func EntityFromURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}

	segment := path.Base(parsed.Path)
	if segment == "." || segment == "/" {
		return ""
	}
	segment = strings.TrimSuffix(segment, path.Ext(segment))
	if unescaped, err := url.PathUnescape(segment); err == nil {
		segment = unescaped
	}

	name := strings.NewReplacer("_", " ", "-", " ").Replace(segment)
	name = strings.Join(strings.Fields(name), " ")
	if len(name) < 3 || !strings.ContainsFunc(name, unicode.IsLetter) {
		return ""
	}

	if name == strings.ToLower(name) {
		name = titleCaser.String(name)
	}
	return name
}
