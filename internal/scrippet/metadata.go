// Package scrippet discovers user-authored script files in a managed storage
// tree, assigns them stable identities, and loads and executes them in
// isolated JavaScript scopes on demand.
package scrippet

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is the parsed header record of a script file plus the identity
// derived from it (or from the file name when the header is silent).
type Metadata struct {
	// ID is the slugified stable identifier.
	ID string
	// Name is the human display name.
	Name string
	// Description is optional free text.
	Description string
	// Fields is the raw key/value record; unknown keys are preserved
	// unchanged.
	Fields map[string]string
}

// ErrNoIdentifier is returned when neither the header nor the file name
// yields a usable stable identifier.
var ErrNoIdentifier = fmt.Errorf("script has no derivable identifier")

// header locates the two recognized header forms within a source text:
// a leading YAML front-matter block and/or a leading block comment holding
// @key: value directives. Offsets are byte positions into the source.
type header struct {
	hasFrontMatter bool
	fmStart, fmEnd int // delimiters included

	hasComment         bool
	cmtStart, cmtEnd   int // "/*" and "*/" included
	cmtInner, cmtClose int // inner text range
}

var directiveRe = regexp.MustCompile(`^@([A-Za-z][A-Za-z0-9_-]*)\s*:\s*(.*)$`)

// parseHeader finds the front-matter block (which must open the file) and the
// directive comment. When front-matter is present the comment is searched
// only after the block ends.
func parseHeader(source string) header {
	var h header

	rest := source
	offset := 0

	if strings.HasPrefix(rest, "---\n") || strings.HasPrefix(rest, "---\r\n") || rest == "---" {
		if end, ok := frontMatterEnd(rest); ok {
			h.hasFrontMatter = true
			h.fmStart = 0
			h.fmEnd = end
			offset = end
			rest = source[offset:]
		}
	}

	// Skip blank space between the front matter and a directive comment.
	trimmed := strings.TrimLeft(rest, " \t\r\n")
	offset += len(rest) - len(trimmed)
	if strings.HasPrefix(trimmed, "/*") {
		if close := strings.Index(trimmed, "*/"); close >= 0 {
			h.hasComment = true
			h.cmtStart = offset
			h.cmtInner = offset + 2
			h.cmtClose = offset + close
			h.cmtEnd = offset + close + 2
		}
	}

	return h
}

// frontMatterEnd returns the byte offset just past the closing "---" line,
// or false when the block never closes.
func frontMatterEnd(source string) (int, bool) {
	// Skip the opening delimiter line.
	nl := strings.IndexByte(source, '\n')
	if nl < 0 {
		return 0, false
	}
	pos := nl + 1
	for pos <= len(source) {
		lineEnd := strings.IndexByte(source[pos:], '\n')
		var line string
		var next int
		if lineEnd < 0 {
			line = source[pos:]
			next = len(source)
		} else {
			line = source[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		}
		if strings.TrimRight(line, "\r") == "---" {
			return next, true
		}
		if lineEnd < 0 {
			break
		}
		pos = next
	}
	return 0, false
}

// frontMatterBlock returns the YAML text between the delimiters.
func (h header) frontMatterBlock(source string) string {
	block := source[h.fmStart:h.fmEnd]
	// Strip the opening and closing delimiter lines.
	if nl := strings.IndexByte(block, '\n'); nl >= 0 {
		block = block[nl+1:]
	}
	if idx := strings.LastIndex(block, "---"); idx >= 0 {
		block = block[:idx]
	}
	return block
}

// commentDirectives parses @key: value lines out of the block comment,
// tolerating a leading "*" on each line.
func (h header) commentDirectives(source string) map[string]string {
	out := make(map[string]string)
	inner := source[h.cmtInner:h.cmtClose]
	for _, line := range strings.Split(inner, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if m := directiveRe.FindStringSubmatch(line); m != nil {
			out[m[1]] = strings.TrimSpace(m[2])
		}
	}
	return out
}

// ExtractMetadata parses the leading header of a script source and derives
// the stable identifier and display name. filePath is the normalized storage
// path of the file; its stem is the fallback identity source.
//
// When both header forms are present, front-matter keys take precedence and
// the comment directives are read starting after the front-matter block.
func ExtractMetadata(source, filePath string) (*Metadata, error) {
	h := parseHeader(source)
	fields := make(map[string]string)

	if h.hasComment {
		for k, v := range h.commentDirectives(source) {
			fields[k] = v
		}
	}
	if h.hasFrontMatter {
		var raw map[string]any
		if err := yaml.Unmarshal([]byte(h.frontMatterBlock(source)), &raw); err == nil {
			for k, v := range raw {
				fields[k] = stringifyYAML(v)
			}
		}
	}

	md := &Metadata{Fields: fields}
	var explicitID, explicitName string
	for k, v := range fields {
		switch strings.ToLower(k) {
		case "id":
			explicitID = v
		case "name":
			explicitName = v
		case "description", "desc":
			if md.Description == "" || strings.ToLower(k) == "description" {
				md.Description = v
			}
		}
	}

	stem := fileStem(filePath)
	if explicitID != "" {
		md.ID = Slugify(explicitID)
	} else {
		md.ID = Slugify(stem)
	}
	if md.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentifier, filePath)
	}

	if explicitName != "" {
		md.Name = explicitName
	} else {
		md.Name = PrettifyStem(stem)
	}

	return md, nil
}

// RewriteID returns source with its stable identifier set to newID, as a pure
// text transform. A front-matter block is merged and re-serialized whole; a
// directive comment has its @id line replaced or inserted; a headerless
// source gains a minimal comment header. Applying the same rewrite twice
// yields the same output.
func RewriteID(source, newID string) (string, error) {
	h := parseHeader(source)

	if h.hasFrontMatter {
		block, err := rewriteFrontMatterID(h.frontMatterBlock(source), newID)
		if err != nil {
			return "", err
		}
		return "---\n" + block + "---\n" + source[h.fmEnd:], nil
	}

	if h.hasComment {
		inner := source[h.cmtInner:h.cmtClose]
		idLine := regexp.MustCompile(`(?m)^(\s*\*?\s*@id\s*:\s*).*$`)
		if idLine.MatchString(inner) {
			replaced := false
			inner = idLine.ReplaceAllStringFunc(inner, func(line string) string {
				if replaced {
					return line
				}
				replaced = true
				prefix := idLine.FindStringSubmatch(line)[1]
				return prefix + newID
			})
		} else {
			inner = "\n@id: " + newID + "\n" + strings.TrimLeft(inner, "\n")
		}
		return source[:h.cmtInner] + inner + source[h.cmtClose:], nil
	}

	return "/*\n@id: " + newID + "\n*/\n\n" + source, nil
}

// rewriteFrontMatterID merges the new ID into the parsed YAML mapping while
// preserving key order and comments, and re-serializes the block.
func rewriteFrontMatterID(block, newID string) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(block), &doc); err != nil {
		return "", fmt.Errorf("failed to parse front matter: %w", err)
	}

	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		// Empty or non-mapping front matter; replace it outright.
		out, err := yaml.Marshal(map[string]string{"id": newID})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	mapping := doc.Content[0]
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if strings.EqualFold(mapping.Content[i].Value, "id") {
			mapping.Content[i+1].SetString(newID)
			out, err := yaml.Marshal(mapping)
			if err != nil {
				return "", err
			}
			return string(out), nil
		}
	}

	key := &yaml.Node{Kind: yaml.ScalarNode, Value: "id"}
	val := &yaml.Node{}
	val.SetString(newID)
	mapping.Content = append(mapping.Content, key, val)
	out, err := yaml.Marshal(mapping)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// stringifyYAML flattens a decoded YAML value into the string form used by
// the metadata record.
func stringifyYAML(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s, collapses every run of non-alphanumerics into a
// single hyphen, and strips leading and trailing hyphens.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = nonAlnumRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// PrettifyStem turns a file name stem into a display name: separators become
// spaces and each word is capitalized.
func PrettifyStem(stem string) string {
	words := strings.FieldsFunc(stem, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || r == ' '
	})
	for i, w := range words {
		r := []rune(w)
		words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
	}
	return strings.Join(words, " ")
}

// HeaderSnippet renders the first maxLines lines of source for display.
func HeaderSnippet(source string, maxLines int) string {
	lines := strings.Split(source, "\n")
	if len(lines) <= maxLines {
		return strings.TrimRight(source, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + "\n…"
}

// fileStem returns the file name of p without its extension.
func fileStem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}
