package focus

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ignoreRule is one line of a .gitignore file compiled to a regexp.
type ignoreRule struct {
	re      *regexp.Regexp
	negate  bool
	dirOnly bool
}

// ignoreRules answers whether a workspace path is ignored by the root
// .gitignore. Later rules win, as in git.
type ignoreRules struct {
	rules []ignoreRule
}

func loadIgnore(root string) (*ignoreRules, error) {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if os.IsNotExist(err) {
		return &ignoreRules{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseIgnore(f)
}

func parseIgnore(r io.Reader) (*ignoreRules, error) {
	rules := &ignoreRules{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rule ignoreRule
		if rest, ok := strings.CutPrefix(line, "!"); ok {
			rule.negate = true
			line = rest
		}
		if rest, ok := strings.CutSuffix(line, "/"); ok {
			rule.dirOnly = true
			line = rest
		}
		rule.re = regexp.MustCompile(ignorePattern(line))
		rules.rules = append(rules.rules, rule)
	}
	return rules, scanner.Err()
}

// ignorePattern translates a glob: ** crosses directories, * and ? do not.
// Patterns with a leading slash are anchored at the root.
func ignorePattern(glob string) string {
	p := regexp.QuoteMeta(glob)
	p = strings.ReplaceAll(p, `\*\*`, ".*")
	p = strings.ReplaceAll(p, `\*`, "[^/]*")
	p = strings.ReplaceAll(p, `\?`, "[^/]")
	if anchored, ok := strings.CutPrefix(p, "/"); ok {
		return "^" + anchored + "($|/)"
	}
	return "(^|/)" + p + "($|/)"
}

func (r *ignoreRules) ignored(rel string, dir bool) bool {
	if r == nil {
		return false
	}
	rel = strings.TrimPrefix(filepath.ToSlash(rel), "./")
	ignored := false
	for _, rule := range r.rules {
		if rule.dirOnly && !dir {
			continue
		}
		if rule.re.MatchString(rel) {
			ignored = !rule.negate
		}
	}
	return ignored
}
