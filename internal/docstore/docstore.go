// Package docstore loads manuscripts from the filesystem. Two layouts
// are supported: a single JSON document file, or a directory of
// numbered markdown chapters with a manuscript.yaml describing the
// document.
package docstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/fablepress/revision-cli/internal/model"
)

// FileStore resolves document ids to paths under a root directory. A
// document id is either a .json file or a chapter directory, relative
// to the root.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// manifest is the manuscript.yaml sidecar of a chapter directory.
type manifest struct {
	ID       string `yaml:"id"`
	Genre    string `yaml:"genre"`
	Language string `yaml:"language"`
}

// chapterFilePattern matches chapter filenames like "03-the-return.md"
// or "12.md". The leading number orders chapters.
var chapterFilePattern = regexp.MustCompile(`^(\d+)(?:[-_](.*))?\.md$`)

// Load reads the document identified by id. Ids resolving outside the
// root are rejected.
func (s *FileStore) Load(ctx context.Context, id string) (*model.Document, error) {
	path := filepath.Join(s.root, filepath.Clean("/"+id))

	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return s.loadDir(id, path)
	}
	if err != nil {
		// Allow bare ids for both layouts.
		if info2, err2 := os.Stat(path + ".json"); err2 == nil && !info2.IsDir() {
			path += ".json"
		} else {
			return nil, eris.Wrapf(err, "docstore: stat %s", id)
		}
	}
	return s.loadJSON(id, path)
}

func (s *FileStore) loadJSON(id, path string) (*model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: read %s", id)
	}
	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "docstore: decode %s", id)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	sortChapters(doc.Chapters)
	return &doc, nil
}

func (s *FileStore) loadDir(id, dir string) (*model.Document, error) {
	doc := model.Document{ID: id, Language: "English"}

	if data, err := os.ReadFile(filepath.Join(dir, "manuscript.yaml")); err == nil {
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, eris.Wrapf(err, "docstore: decode manifest for %s", id)
		}
		if m.ID != "" {
			doc.ID = m.ID
		}
		if m.Genre != "" {
			doc.Genre = m.Genre
		}
		if m.Language != "" {
			doc.Language = m.Language
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: read dir %s", id)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := chapterFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		number, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		text, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, eris.Wrapf(err, "docstore: read chapter %s", entry.Name())
		}
		doc.Chapters = append(doc.Chapters, model.Chapter{
			Number: number,
			Title:  titleFromSlug(m[2]),
			Text:   string(text),
		})
	}
	if len(doc.Chapters) == 0 {
		return nil, eris.Errorf("docstore: document %s has no chapters", id)
	}
	sortChapters(doc.Chapters)
	return &doc, nil
}

func sortChapters(chapters []model.Chapter) {
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].Number < chapters[j].Number
	})
}

func titleFromSlug(slug string) string {
	if slug == "" {
		return ""
	}
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '-' || r == '_'
	})
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
