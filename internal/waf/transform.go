package waf

import (
	"fmt"
	"html"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// decoders normalise a candidate value before a rule pattern runs against it.
// Attackers encode payloads for the layer they target, so each one undoes a
// single encoding.
var decoders = map[string]func(string) string{
	"lowercase":           strings.ToLower,
	"trim":                strings.TrimSpace,
	"remove_nulls":        func(s string) string { return strings.ReplaceAll(s, "\x00", "") },
	"compress_whitespace": func(s string) string { return strings.Join(strings.Fields(s), " ") },
	"url_decode":          urlDecode,
	"url_decode_repeat":   untilStable(urlDecode),
	"html_decode":         untilStable(html.UnescapeString),
	"json_unescape":       jsonUnescape,
	"sql_comments":        stripSQLComments,
	"path_normalize":      normalizePath,
	"cmdline":             normalizeCmdline,
}

// categoryDecoders is the pipeline a rule gets when it names no transforms.
var categoryDecoders = map[string][]string{
	CategoryXSS:              {"url_decode_repeat", "json_unescape", "html_decode", "remove_nulls"},
	CategorySQLi:             {"url_decode", "html_decode", "remove_nulls", "compress_whitespace"},
	CategoryCommandInjection: {"url_decode", "html_decode", "remove_nulls", "cmdline"},
	CategoryPathTraversal:    {"url_decode_repeat", "remove_nulls"},
	CategoryScanner:          {"trim"},
	CategoryCustom:           {"url_decode", "html_decode", "remove_nulls"},
}

type pipeline struct {
	names []string
	key   string
	steps []func(string) string
}

func newPipeline(category string, names []string) (pipeline, error) {
	if len(names) == 0 {
		names = categoryDecoders[category]
		if names == nil {
			names = categoryDecoders[CategoryCustom]
		}
	}
	p := pipeline{names: make([]string, 0, len(names)), steps: make([]func(string) string, 0, len(names))}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		fn, ok := decoders[name]
		if !ok {
			return pipeline{}, fmt.Errorf("unknown transform %q", raw)
		}
		p.names = append(p.names, name)
		p.steps = append(p.steps, fn)
	}
	p.key = strings.Join(p.names, ",")
	return p, nil
}

func (p pipeline) apply(s string) string {
	for _, step := range p.steps {
		s = step(s)
	}
	return s
}

// decodeCache holds pipeline output for one request. Rules in the same
// category share a pipeline, so most values decode once.
type decodeCache map[string]string

func (c decodeCache) decode(p pipeline, s string) string {
	if len(p.steps) == 0 {
		return s
	}
	k := p.key + "\x00" + s
	if v, ok := c[k]; ok {
		return v
	}
	v := p.apply(s)
	c[k] = v
	return v
}

func untilStable(fn func(string) string) func(string) string {
	return func(s string) string {
		for i := 0; i < maxDecodePasses; i++ {
			next := fn(s)
			if next == s {
				break
			}
			s = next
		}
		return s
	}
}

func urlDecode(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}

var jsonEscape = regexp.MustCompile(`\\(?:u([0-9a-fA-F]{4})|x([0-9a-fA-F]{2})|(["/\\]))`)

// jsonUnescape resolves \uXXXX, \xXX and escaped quote or slash sequences
// that survive in raw bodies and query strings.
func jsonUnescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return jsonEscape.ReplaceAllStringFunc(s, func(m string) string {
		switch m[1] {
		case 'u', 'x':
			n, err := strconv.ParseUint(m[2:], 16, 32)
			if err != nil {
				return m
			}
			return string(rune(n))
		default:
			return m[1:]
		}
	})
}

var sqlComment = regexp.MustCompile(`/\*.*?\*/`)

func stripSQLComments(s string) string {
	if !strings.Contains(s, "/*") {
		return s
	}
	return sqlComment.ReplaceAllString(s, " ")
}

func normalizePath(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	return path.Clean(s)
}

var shellSeparators = strings.NewReplacer(
	"${IFS}", " ",
	"$IFS", " ",
	`\`, "/",
	`"`, "",
	"'", "",
	"^", "",
)

// normalizeCmdline folds shell quoting and cmd.exe escapes so split binary
// names like w'h'o"am"i read as one word.
func normalizeCmdline(s string) string {
	return strings.Join(strings.Fields(shellSeparators.Replace(s)), " ")
}
