package waf

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// view is every string a request exposes to rules, labelled by target.
type view map[target][]string

type collectLimits struct {
	bodyBytes int64
	perTarget int
	total     int
}

// collector dedups values per target and stops accepting once a cap is hit.
type collector struct {
	limits collectLimits
	seen   map[target]map[string]struct{}
	out    view
	count  int
}

func newCollector(limits collectLimits) *collector {
	return &collector{
		limits: limits,
		seen:   map[target]map[string]struct{}{},
		out:    view{},
	}
}

func (c *collector) full(t target) bool {
	return c.count >= c.limits.total || len(c.out[t]) >= c.limits.perTarget
}

func (c *collector) add(t target, s string) {
	if s == "" || c.full(t) {
		return
	}
	set := c.seen[t]
	if set == nil {
		set = map[string]struct{}{}
		c.seen[t] = set
	}
	if _, dup := set[s]; dup {
		return
	}
	set[s] = struct{}{}
	c.out[t] = append(c.out[t], s)
	c.count++
}

func (c *collector) pair(t target, k, v string) {
	c.add(t, k+"="+v)
	c.add(t, v)
}

// collect builds the request view. Smaller targets go first so a large body
// cannot crowd them out of the total budget.
func collect(r *http.Request, limits collectLimits) (view, error) {
	c := newCollector(limits)

	c.add(targetUserAgent, r.UserAgent())

	if r.URL != nil {
		escaped := r.URL.EscapedPath()
		c.add(targetPath, r.URL.Path)
		c.add(targetPath, escaped)
		for _, seg := range strings.Split(escaped, "/") {
			if p, err := url.PathUnescape(seg); err == nil {
				c.add(targetParams, p)
			} else {
				c.add(targetParams, seg)
			}
		}

		c.add(targetQuery, r.URL.RawQuery)
		if q, err := url.ParseQuery(r.URL.RawQuery); err == nil {
			for k, vs := range q {
				c.add(targetQuery, k)
				for _, v := range vs {
					c.pair(targetQuery, k, v)
				}
			}
		}
	}

	for name, vs := range r.Header {
		if _, private := privateHeaders[name]; private {
			continue
		}
		for _, v := range vs {
			c.add(targetHeaders, name+": "+v)
		}
	}

	body, err := sampleBody(r, limits.bodyBytes)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		c.addBody(r.Header.Get("Content-Type"), body)
	}
	return c.out, nil
}

// privateHeaders carry credentials and are never matched or logged.
var privateHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
}

func (c *collector) addBody(contentType string, body []byte) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	switch {
	case mediaType == "multipart/form-data":
		c.addMultipart(body, params["boundary"])
		return
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		c.addJSON(body)
	case mediaType == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			for k, vs := range form {
				for _, v := range vs {
					c.pair(targetBody, k, v)
				}
			}
		}
	}
	c.add(targetBody, string(body))
}

const maxPartBytes = 4 << 10

// addMultipart records field names, filenames and the head of each part.
// File content beyond the first few KiB is not inspected.
func (c *collector) addMultipart(body []byte, boundary string) {
	if boundary == "" {
		return
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for !c.full(targetBody) {
		part, err := mr.NextPart()
		if err != nil {
			return
		}
		name := part.FormName()
		c.add(targetBody, name)
		c.add(targetBody, part.FileName())
		head, _ := io.ReadAll(io.LimitReader(part, maxPartBytes))
		c.pair(targetBody, name, string(head))
		_ = part.Close()
	}
}

type jsonFrame struct {
	array   bool
	index   int
	key     string
	wantKey bool
}

// addJSON streams the document and records each key, each scalar and its
// dotted path, e.g. patient.tags[1]=b. Values read before a syntax error are
// kept.
func (c *collector) addJSON(body []byte) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var stack []*jsonFrame
	for !c.full(targetBody) {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		var top *jsonFrame
		if n := len(stack); n > 0 {
			top = stack[n-1]
		}

		if top != nil && !top.array && top.wantKey {
			if d, ok := tok.(json.Delim); ok && d == '}' {
				stack = stack[:len(stack)-1]
				valueDone(stack)
				continue
			}
			key, _ := tok.(string)
			top.key = key
			top.wantKey = false
			c.add(targetBody, key)
			continue
		}

		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{':
				stack = append(stack, &jsonFrame{wantKey: true})
			case '[':
				stack = append(stack, &jsonFrame{array: true})
			default:
				stack = stack[:len(stack)-1]
				valueDone(stack)
			}
		case string:
			if p := jsonPath(stack); p != "" {
				c.pair(targetBody, p, v)
			} else {
				c.add(targetBody, v)
			}
			valueDone(stack)
		default:
			if p := jsonPath(stack); p != "" {
				c.add(targetBody, p+"="+jsonScalar(v))
			}
			valueDone(stack)
		}
	}
}

func valueDone(stack []*jsonFrame) {
	if len(stack) == 0 {
		return
	}
	top := stack[len(stack)-1]
	if top.array {
		top.index++
		return
	}
	top.wantKey = true
}

func jsonPath(stack []*jsonFrame) string {
	var sb strings.Builder
	for _, f := range stack {
		if f.array {
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(f.index))
			sb.WriteByte(']')
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(f.key)
	}
	return sb.String()
}

func jsonScalar(v json.Token) string {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return "null"
	}
}

// sampleBody reads up to limit bytes and puts them back in front of the
// unread remainder so handlers still see the full body. A body over the
// server's size cap surfaces as *http.MaxBytesError.
func sampleBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody || limit <= 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(io.LimitReader(r.Body, limit)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, tooLarge
		}
		return nil, err
	}
	sample := buf.Bytes()
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(sample), r.Body), Closer: r.Body}
	return sample, nil
}

type replayBody struct {
	io.Reader
	io.Closer
}
