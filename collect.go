package requestgate

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/giantswarm/requestgate/internal/util"
)

// Field is one request-supplied string and where it came from, e.g.
// "query:username", "json:user.name" or "header:user-agent".
type Field struct {
	Name  string
	Value string
}

// collector gathers request strings for scanning.
type collector struct {
	headers       []string
	maxBodyBytes  int64
	maxFieldBytes int
	skipBody      bool
}

func newCollector(cfg InspectionConfig) collector {
	return collector{
		headers:       canonicalHeaders(cfg.Headers),
		maxBodyBytes:  cfg.MaxBodyBytes,
		maxFieldBytes: cfg.MaxFieldBytes,
		skipBody:      cfg.SkipBody,
	}
}

// Collect returns every string the client supplied: path, query, form
// values, JSON leaves and selected headers. The body is read up to the cap
// and r.Body is replaced so downstream handlers still see all of it.
func (c collector) Collect(r *http.Request) ([]Field, error) {
	fields := make([]Field, 0, 16)
	add := func(name, value string) {
		if value == "" {
			return
		}
		fields = append(fields, Field{Name: name, Value: util.SafeTruncate(value, c.maxFieldBytes)})
	}

	add("path", r.URL.Path)
	if raw := r.URL.EscapedPath(); raw != r.URL.Path {
		add("path:raw", raw)
	}

	if r.URL.RawQuery != "" {
		add("query", r.URL.RawQuery)
		if q, err := url.ParseQuery(r.URL.RawQuery); err == nil {
			addValues(add, "query", q)
		}
	}

	for _, h := range c.headers {
		for _, v := range r.Header.Values(h) {
			add("header:"+strings.ToLower(h), v)
		}
	}

	if c.skipBody || r.Body == nil || r.Body == http.NoBody {
		return fields, nil
	}

	body, err := c.readBody(r)
	if err != nil {
		return fields, err
	}
	if len(body) == 0 {
		return fields, nil
	}

	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			addValues(add, "form", form)
		} else {
			add("body", string(body))
		}
	case mediaType == "multipart/form-data":
		c.collectMultipart(add, body, params["boundary"])
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		add("body", string(body))
		var doc any
		if err := json.Unmarshal(body, &doc); err == nil {
			collectJSON(add, "json", doc)
		}
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/xml" || mediaType == "":
		add("body", string(body))
	}

	return fields, nil
}

// readBody reads at most maxBodyBytes and restores r.Body with the bytes
// read followed by whatever was left unread.
func (c collector) readBody(r *http.Request) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, c.maxBodyBytes))
	if err != nil {
		return nil, err
	}

	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), rest), rest}

	return buf, nil
}

func (c collector) collectMultipart(add func(name, value string), body []byte, boundary string) {
	if boundary == "" {
		return
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF, or a part cut off by the body cap.
			return
		}
		name := part.FormName()
		if fn := part.FileName(); fn != "" {
			add("multipart:filename", fn)
			_ = part.Close()
			continue
		}
		value, _ := io.ReadAll(io.LimitReader(part, int64(c.maxFieldBytes)))
		_ = part.Close()
		add("form:"+strings.ToLower(name), string(value))
	}
}

func addValues(add func(name, value string), prefix string, values url.Values) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := prefix + ":" + strings.ToLower(k)
		// Keys are attacker-controlled too.
		add(prefix+":key", k)
		for _, v := range values[k] {
			add(name, v)
		}
	}
}

// collectJSON walks doc and adds every string leaf and object key.
func collectJSON(add func(name, value string), path string, doc any) {
	switch v := doc.(type) {
	case string:
		add(path, v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add("json:key", k)
			child := strings.ToLower(k)
			if path != "json" {
				child = path + "." + child
			} else {
				child = "json:" + child
			}
			collectJSON(add, child, v[k])
		}
	case []any:
		for _, item := range v {
			collectJSON(add, path, item)
		}
	}
}
