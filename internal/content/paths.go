package content

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	imageExtPattern = `\.(?:png|jpe?g|gif|webp|bmp)\b`
	pathCharPattern = "[^\\s\"'<>()\\[\\]{}`]"
	// A path must not be glued to a preceding path character, otherwise
	// "~/tmp/a.png" would also yield "/tmp/a.png".
	leadPattern = `(?:^|[^\w./~-])`
)

var (
	mediaPattern  = regexp.MustCompile(`(?i)MEDIA:\s*(/` + pathCharPattern + `+?` + imageExtPattern + `)`)
	markerPattern = regexp.MustCompile(`(?im)MEDIA:|!\[[^\]]*\]\(\s*\)|\[(?:image|图片)\]|^[ \t]*(?:image|图片)[ \t]*[:：][ \t]*$`)
	blankRun      = regexp.MustCompile(`\n{3,}`)
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
)

// PathMatch is one local image path found in a reply.
type PathMatch struct {
	Raw  string // as written in the text
	Path string // absolute, cleaned
}

// PathExtractor finds image files referenced by an agent reply. Only
// paths under a small set of roots are considered: the home directory
// (written as ~/...), conventional media directories and any extra roots
// the caller adds.
type PathExtractor struct {
	home      string
	roots     []string
	rootExprs []*regexp.Regexp
	pattern   *regexp.Regexp
	stat      func(string) (os.FileInfo, error)
}

// DefaultPathExtractor uses the current user's home directory, /tmp,
// /var/tmp, /root, /home/<user> and /Users/<user>, plus extraRoots.
func DefaultPathExtractor(extraRoots ...string) *PathExtractor {
	home, _ := os.UserHomeDir()
	roots := []string{"/tmp", "/var/tmp", "/root"}
	if home != "" {
		roots = append(roots, home)
	}
	roots = append(roots, extraRoots...)
	return NewPathExtractor(home, roots, `/home/[^/\s]+`, `/Users/[^/\s]+`)
}

// NewPathExtractor builds an extractor for the given literal roots and
// regular-expression root fragments.
func NewPathExtractor(home string, roots []string, rootPatterns ...string) *PathExtractor {
	e := &PathExtractor{home: home, stat: os.Stat}
	alts := []string{"~"}
	for _, r := range roots {
		r = strings.TrimRight(filepath.Clean(r), "/")
		if r == "" || r == "." {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(r))
		e.addRoot(r)
	}
	if home != "" {
		e.addRoot(filepath.Clean(home))
	}
	for _, p := range rootPatterns {
		alts = append(alts, p)
		e.rootExprs = append(e.rootExprs, regexp.MustCompile(`^(?:`+p+`)/`))
	}

	expr := `(?i)` + leadPattern + `((?:` + strings.Join(alts, "|") + `)/` + pathCharPattern + `+?` + imageExtPattern + `)`
	e.pattern = regexp.MustCompile(expr)
	return e
}

// addRoot records r and, when it differs, its symlink-free form, so a
// root such as /tmp still contains files reached through /private/tmp.
func (e *PathExtractor) addRoot(r string) {
	e.roots = append(e.roots, r)
	if real, err := filepath.EvalSymlinks(r); err == nil && real != r {
		e.roots = append(e.roots, real)
	}
}

// Extract returns the existing image files referenced in text, in order
// of first appearance, each path once.
func (e *PathExtractor) Extract(text string) []PathMatch {
	type hit struct {
		pos int
		raw string
	}
	var hits []hit
	for _, re := range []*regexp.Regexp{e.pattern, mediaPattern} {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			if len(loc) < 4 || loc[2] < 0 {
				continue
			}
			hits = append(hits, hit{pos: loc[2], raw: text[loc[2]:loc[3]]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool)
	var out []PathMatch
	for _, h := range hits {
		path := e.resolve(h.raw)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		if !e.allowed(path) {
			continue
		}
		info, err := e.stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		out = append(out, PathMatch{Raw: h.raw, Path: path})
	}
	return out
}

func (e *PathExtractor) resolve(raw string) string {
	if strings.HasPrefix(raw, "~/") {
		if e.home == "" {
			return ""
		}
		return filepath.Join(e.home, raw[2:])
	}
	return filepath.Clean(raw)
}

// allowed reports whether path, both as written and with symlinks
// resolved, lies under one of the roots. MEDIA: references get no
// exemption.
func (e *PathExtractor) allowed(path string) bool {
	if !e.underRoot(path) {
		return false
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	return e.underRoot(real)
}

func (e *PathExtractor) underRoot(path string) bool {
	for _, r := range e.roots {
		rel, err := filepath.Rel(r, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		return true
	}
	for _, re := range e.rootExprs {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// StripPaths removes every occurrence of the matched paths from text,
// drops the image markers left behind and tidies the whitespace.
func StripPaths(text string, matches []PathMatch) string {
	if len(matches) == 0 {
		return strings.TrimSpace(text)
	}
	for _, m := range matches {
		text = strings.ReplaceAll(text, m.Raw, "")
		if m.Raw != m.Path {
			text = strings.ReplaceAll(text, m.Path, "")
		}
	}
	text = markerPattern.ReplaceAllString(text, "")
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = blankRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
