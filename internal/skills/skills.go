// Package skills materializes browser-supplied skill files onto disk
// so the agent backend can pick them up through its skill search path.
package skills

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Skill is one named skill with its file contents, keyed by relative
// filename within the skill's directory.
type Skill struct {
	Name  string            `json:"name"`
	Files map[string]string `json:"files"`
}

// Materialize writes the supplied skills under a fresh temporary
// directory, one subdirectory per skill, and returns the directory
// path. The caller owns removal. On any failure the partially written
// directory is removed before the error is returned.
func Materialize(skillList []Skill) (string, error) {
	dir, err := os.MkdirTemp("", "agent-skills-"+uuid.New().String()[:8]+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create skill directory: %w", err)
	}

	for _, skill := range skillList {
		skillDir := filepath.Join(dir, Slugify(skill.Name))
		if err := os.MkdirAll(skillDir, 0o755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to create directory for skill %q: %w", skill.Name, err)
		}
		for name, contents := range skill.Files {
			path := filepath.Join(skillDir, filepath.Clean("/"+name))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				os.RemoveAll(dir)
				return "", fmt.Errorf("failed to create parent for skill file %q: %w", name, err)
			}
			if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
				os.RemoveAll(dir)
				return "", fmt.Errorf("failed to write skill file %q: %w", name, err)
			}
		}
	}

	return dir, nil
}

// Remove deletes a materialized skill directory. Failures are logged
// and swallowed; a leftover temp directory must never block session
// lifecycle.
func Remove(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("Failed to remove skill directory %s: %v", dir, err)
	}
}

// Slugify reduces a skill name to a filesystem-safe slug: lowercase
// ASCII letters, digits, and hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "skill"
	}
	return slug
}
