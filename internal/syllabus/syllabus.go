package syllabus

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDocument wraps schema violations.
var ErrInvalidDocument = errors.New("invalid syllabus document")

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Parse decodes a YAML (or JSON, which is valid YAML) syllabus document,
// validates it and normalises names. Subjects whose names differ only in
// case or spacing are merged.
func Parse(data []byte) (Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("decode syllabus: %w", err)
	}
	if raw == nil {
		return Document{}, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("validate syllabus: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Document{}, fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode syllabus: %w", err)
	}
	return Normalize(doc), nil
}

// Normalize trims names and merges subjects that fold to the same name. The
// first spelling of a subject name and its color are kept.
func Normalize(doc Document) Document {
	var out Document
	index := make(map[string]int)
	for _, s := range doc.Subjects {
		s.Name = CleanName(s.Name)
		for ci := range s.Chapters {
			s.Chapters[ci].Name = CleanName(s.Chapters[ci].Name)
			for ti := range s.Chapters[ci].Topics {
				s.Chapters[ci].Topics[ti].Name = CleanName(s.Chapters[ci].Topics[ti].Name)
			}
		}

		key := FoldName(s.Name)
		if i, ok := index[key]; ok {
			merged := &out.Subjects[i]
			merged.Chapters = append(merged.Chapters, s.Chapters...)
			if merged.Color == "" {
				merged.Color = s.Color
			}
			continue
		}
		index[key] = len(out.Subjects)
		out.Subjects = append(out.Subjects, s)
	}
	return out
}

// CleanName trims a name and collapses internal whitespace.
func CleanName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// FoldName returns the comparison key for a subject name.
func FoldName(name string) string {
	return cases.Fold().String(CleanName(name))
}

// LoadDir parses every .yaml/.yml file under root and merges them into one
// document. Files that fail to parse are skipped with a warning.
func LoadDir(root string) (Document, error) {
	var merged Document
	files := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err := Parse(data)
		if err != nil {
			slog.Warn("skipping invalid syllabus file", "path", path, "error", err)
			return nil
		}
		merged.Subjects = append(merged.Subjects, doc.Subjects...)
		files++
		return nil
	})
	if err != nil {
		return Document{}, fmt.Errorf("loading syllabus dir: %w", err)
	}

	merged = Normalize(merged)
	slog.Info("syllabus loaded", "files", files, "subjects", len(merged.Subjects), "topics", merged.TopicCount())
	return merged, nil
}

// ReadFile parses a single syllabus file.
func ReadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Parse(data)
}
