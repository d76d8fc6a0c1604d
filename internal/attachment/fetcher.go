// Package attachment fetches files referenced by messages and web pages
// read by tools, and turns them into model input.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/chatstream/internal/model"
)

// ErrUnsupported is returned for content that cannot be turned into text.
var ErrUnsupported = errors.New("unsupported content type")

// ObjectStore reads objects from a bucket.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Object is fetched content.
type Object struct {
	URL       string
	MediaType string
	Data      []byte
}

// Document is the text form of a file attachment. Err is set when the file
// could not be loaded; Text then holds nothing.
type Document struct {
	Filename  string
	MediaType string
	Text      string
	Err       error
}

// Page is the text of a web page.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Options configures a Fetcher.
type Options struct {
	// HTTPClient replaces the guarded default client. Destinations are
	// still checked before a request is sent.
	HTTPClient *http.Client
	// AllowPrivateNetworks disables the address guard.
	AllowPrivateNetworks bool
	// BlockedCIDRs overrides DefaultBlockedCIDRs.
	BlockedCIDRs []string
	Objects      ObjectStore
	MaxBytes     int64
	MaxTextChars int
	Concurrency  int
	UserAgent    string
}

// Fetcher loads attachments over HTTP(S) and from object storage.
type Fetcher struct {
	client      *http.Client
	guard       *addressGuard
	objects     ObjectStore
	maxBytes    int64
	maxText     int
	concurrency int
	userAgent   string
}

// NewFetcher creates a fetcher. Unless AllowPrivateNetworks is set, HTTP
// fetches may not reach loopback, private or link-local addresses.
func NewFetcher(opts Options) (*Fetcher, error) {
	f := &Fetcher{
		client:      opts.HTTPClient,
		objects:     opts.Objects,
		maxBytes:    opts.MaxBytes,
		maxText:     opts.MaxTextChars,
		concurrency: opts.Concurrency,
		userAgent:   opts.UserAgent,
	}
	if !opts.AllowPrivateNetworks {
		cidrs := opts.BlockedCIDRs
		if cidrs == nil {
			cidrs = DefaultBlockedCIDRs
		}
		guard, err := newAddressGuard(cidrs)
		if err != nil {
			return nil, err
		}
		f.guard = guard
	}
	if f.client == nil {
		if f.guard != nil {
			f.client = f.guard.client(20 * time.Second)
		} else {
			f.client = &http.Client{Timeout: 20 * time.Second}
		}
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 10 << 20
	}
	if f.maxText <= 0 {
		f.maxText = 20000
	}
	if f.concurrency <= 0 {
		f.concurrency = 4
	}
	if f.userAgent == "" {
		f.userAgent = "chatstream/1.0"
	}
	return f, nil
}

// Fetch loads the content behind an http, https or s3 URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Object, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment url: %w", err)
	}

	switch u.Scheme {
	case "s3":
		if f.objects == nil {
			return nil, errors.New("object storage is not configured")
		}
		data, err := f.objects.Get(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > f.maxBytes {
			return nil, fmt.Errorf("attachment exceeds %d bytes", f.maxBytes)
		}
		return &Object{URL: rawURL, MediaType: mediaTypeByName(u.Path), Data: data}, nil
	case "http", "https":
		if f.guard != nil {
			if err := f.guard.checkURL(u); err != nil {
				return nil, err
			}
		}
		return f.fetchHTTP(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported attachment scheme %q", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", f.maxBytes)
	}

	mediaType := mediaTypeByName(req.URL.Path)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mediaType = mt
		}
	}
	return &Object{URL: rawURL, MediaType: mediaType, Data: data}, nil
}

// ReadPage fetches a web page and extracts its readable text.
func (f *Fetcher) ReadPage(ctx context.Context, rawURL string) (*Page, error) {
	obj, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	page := &Page{URL: rawURL}
	if obj.MediaType == "text/html" || obj.MediaType == "application/xhtml+xml" {
		title, text, err := HTMLText(bytes.NewReader(obj.Data))
		if err != nil {
			return nil, err
		}
		page.Title = title
		page.Text = truncate(text, f.maxText)
		return page, nil
	}
	text, err := f.text(obj)
	if err != nil {
		return nil, err
	}
	page.Text = text
	return page, nil
}

// LoadDocuments fetches file parts concurrently and returns their text in
// input order. Per-file failures are reported on the Document.
func (f *Fetcher) LoadDocuments(ctx context.Context, files []model.Part) ([]Document, error) {
	docs := make([]Document, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, file := range files {
		docs[i] = Document{Filename: file.Filename, MediaType: file.MediaType}
		g.Go(func() error {
			obj, err := f.Fetch(gctx, file.URL)
			if err != nil {
				docs[i].Err = err
				return nil
			}
			if docs[i].MediaType == "" {
				docs[i].MediaType = obj.MediaType
			}
			text, err := f.text(obj)
			if err != nil {
				docs[i].Err = err
				return nil
			}
			docs[i].Text = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (f *Fetcher) text(obj *Object) (string, error) {
	switch {
	case obj.MediaType == "text/html":
		_, text, err := HTMLText(bytes.NewReader(obj.Data))
		if err != nil {
			return "", err
		}
		return truncate(text, f.maxText), nil
	case IsText(obj.MediaType):
		if !utf8.Valid(obj.Data) {
			return "", ErrUnsupported
		}
		return truncate(string(obj.Data), f.maxText), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, obj.MediaType)
	}
}

// IsImage reports whether mediaType is an image.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}

// IsText reports whether mediaType can be passed to a model as text.
func IsText(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml",
		"application/javascript", "application/x-sh", "application/sql":
		return true
	}
	return false
}

func mediaTypeByName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".go", ".py", ".ts", ".rs", ".java", ".c", ".h", ".rb":
		return "text/plain"
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			return parsed
		}
	}
	return "application/octet-stream"
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "\n[truncated]"
}
