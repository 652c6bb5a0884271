package smartctx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ticketd/ticketd/internal/store"
)

const mapMaxDepth = 3

// ignoredDirs are skipped when walking the project tree.
var ignoredDirs = map[string]bool{
	".git":          true,
	".svn":          true,
	".hg":           true,
	"node_modules":  true,
	"__pycache__":   true,
	".pytest_cache": true,
	"venv":          true,
	".venv":         true,
	"vendor":        true,
	"dist":          true,
	"build":         true,
	"target":        true,
	".idea":         true,
	".vscode":       true,
}

// languageByExtension maps the dominant file extension to a language name.
var languageByExtension = map[string]string{
	".go":   "Go",
	".py":   "Python",
	".php":  "PHP",
	".js":   "JavaScript",
	".ts":   "TypeScript",
	".jsx":  "JavaScript",
	".tsx":  "TypeScript",
	".rb":   "Ruby",
	".java": "Java",
	".rs":   "Rust",
	".cs":   "C#",
}

// entryPointCandidates are checked at the project root.
var entryPointCandidates = []string{
	"main.go", "main.py", "app.py", "manage.py",
	"index.php", "artisan", "index.js", "server.js", "app.js",
	"Makefile", "docker-compose.yml",
}

// ProjectMapFor returns the cached project structure snapshot, regenerating
// it when expired or absent.
func (b *Builder) ProjectMapFor(ctx context.Context, project *store.Project) (*store.ProjectMap, error) {
	maxAge := time.Duration(b.cfg.ProjectMapExpiryDays) * 24 * time.Hour
	cached, err := b.store.GetProjectMap(ctx, project.ID, maxAge)
	if err == nil {
		return cached, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	root := project.PrimaryPath("")
	if root == "" {
		return nil, store.ErrNotFound
	}

	m := generateMap(project.ID, root)
	if err := b.store.PutProjectMap(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// generateMap walks the root to depth 3, producing the tree, a language
// guess from the extension histogram, detected frameworks and entry points.
func generateMap(projectID, root string) *store.ProjectMap {
	var tree strings.Builder
	histogram := make(map[string]int)
	walkTree(&tree, histogram, root, "", 0)

	frameworks := detectFrameworks(root)
	entries := detectEntryPoints(root)

	return &store.ProjectMap{
		ProjectID:   projectID,
		Tree:        tree.String(),
		Language:    dominantLanguage(histogram),
		Frameworks:  mustJSON(frameworks),
		EntryPoints: mustJSON(entries),
	}
}

func walkTree(tree *strings.Builder, histogram map[string]int, dir, indent string, depth int) {
	if depth >= mapMaxDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if ignoredDirs[name] || strings.HasPrefix(name, ".") {
				continue
			}
			fmt.Fprintf(tree, "%s%s/\n", indent, name)
			walkTree(tree, histogram, filepath.Join(dir, name), indent+"  ", depth+1)
			continue
		}
		fmt.Fprintf(tree, "%s%s\n", indent, name)
		if ext := filepath.Ext(name); ext != "" {
			histogram[ext]++
		}
	}
}

func dominantLanguage(histogram map[string]int) string {
	best := ""
	bestCount := 0
	// Deterministic tie-break by extension name.
	exts := make([]string, 0, len(histogram))
	for ext := range histogram {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		lang, ok := languageByExtension[ext]
		if !ok {
			continue
		}
		if histogram[ext] > bestCount {
			best = lang
			bestCount = histogram[ext]
		}
	}
	return best
}

// detectFrameworks sniffs dependency manifests at the project root.
func detectFrameworks(root string) []string {
	var frameworks []string

	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			for _, candidate := range []string{"react", "vue", "next", "nuxt", "express", "fastify", "svelte"} {
				if _, ok := pkg.Dependencies[candidate]; ok {
					frameworks = append(frameworks, candidate)
				} else if _, ok := pkg.DevDependencies[candidate]; ok {
					frameworks = append(frameworks, candidate)
				}
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(root, "requirements.txt")); err == nil {
		lower := strings.ToLower(string(data))
		for _, candidate := range []string{"django", "flask", "fastapi", "celery"} {
			if strings.Contains(lower, candidate) {
				frameworks = append(frameworks, candidate)
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(root, "composer.json")); err == nil {
		lower := strings.ToLower(string(data))
		for _, candidate := range []string{"laravel", "symfony", "slim"} {
			if strings.Contains(lower, candidate) {
				frameworks = append(frameworks, candidate)
			}
		}
	}

	if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
		frameworks = append(frameworks, "go-module")
	}

	return frameworks
}

func detectEntryPoints(root string) []string {
	var found []string
	for _, candidate := range entryPointCandidates {
		if _, err := os.Stat(filepath.Join(root, candidate)); err == nil {
			found = append(found, candidate)
		}
	}
	return found
}
