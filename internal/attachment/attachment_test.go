package attachment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const samplePage = `<!doctype html>
<html><head><title>Go  Channels</title><style>body{color:red}</style></head>
<body>
<nav>Home | About</nav>
<h1>Channels</h1>
<p>Channels   connect
goroutines.</p>
<script>alert("x")</script>
<p>Use <b>select</b> to wait.</p>
</body></html>`

func TestHTMLText(t *testing.T) {
	title, text, err := HTMLText(strings.NewReader(samplePage))
	require.NoError(t, err)
	assert.Equal(t, "Go Channels", title)
	assert.Equal(t, "Channels\nChannels connect goroutines.\nUse select to wait.", text)
}

type memObjects map[string][]byte

func (m memObjects) Get(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := m[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(samplePage))
	})
	mux.HandleFunc("/notes.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain notes"))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0, 1, 2})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, opts Options) *Fetcher {
	t.Helper()
	f, err := NewFetcher(opts)
	require.NoError(t, err)
	return f
}

func TestReadPage(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher(t, Options{AllowPrivateNetworks: true})

	page, err := f.ReadPage(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, "Go Channels", page.Title)
	assert.Contains(t, page.Text, "Channels connect goroutines.")
}

func TestFetchEnforcesSizeLimit(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher(t, Options{MaxBytes: 16, AllowPrivateNetworks: true})

	_, err := f.Fetch(context.Background(), srv.URL+"/big")
	assert.Error(t, err)
}

func TestFetchRejectsUnknownScheme(t *testing.T) {
	f := newTestFetcher(t, Options{})
	_, err := f.Fetch(context.Background(), "ftp://example.com/file")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "s3://bucket/key")
	assert.Error(t, err)
}

func TestLoadDocumentsKeepsOrderAndReportsFailures(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher(t, Options{
		Objects:              memObjects{"docs/readme.md": []byte("# Readme")},
		AllowPrivateNetworks: true,
	})

	docs, err := f.LoadDocuments(context.Background(), []model.Part{
		{Type: model.PartTypeFile, URL: srv.URL + "/notes.txt", Filename: "notes.txt"},
		{Type: model.PartTypeFile, URL: "s3://docs/readme.md", Filename: "readme.md"},
		{Type: model.PartTypeFile, URL: srv.URL + "/blob", Filename: "blob.bin"},
		{Type: model.PartTypeFile, URL: "s3://docs/missing", Filename: "missing"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 4)

	assert.Equal(t, "plain notes", docs[0].Text)
	assert.Equal(t, "text/plain", docs[0].MediaType)
	assert.Equal(t, "# Readme", docs[1].Text)
	assert.Equal(t, "text/markdown", docs[1].MediaType)
	assert.ErrorIs(t, docs[2].Err, ErrUnsupported)
	assert.Error(t, docs[3].Err)
}

func TestFetchBlocksPrivateDestinations(t *testing.T) {
	srv := newTestServer(t)
	f := newTestFetcher(t, Options{})

	for _, u := range []string{
		srv.URL + "/notes.txt",
		"http://localhost/notes.txt",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/",
		"http://10.1.2.3/",
	} {
		_, err := f.Fetch(context.Background(), u)
		assert.ErrorIs(t, err, ErrBlockedAddress, u)
	}

	_, err := f.ReadPage(context.Background(), srv.URL+"/page")
	assert.ErrorIs(t, err, ErrBlockedAddress)
}

func TestFetchBlocksRedirectToPrivateAddress(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	})
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fine"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// loopback reachable so the first hop lands on the test server
	f := newTestFetcher(t, Options{BlockedCIDRs: []string{"169.254.0.0/16", "10.0.0.0/8"}})

	obj, err := f.Fetch(context.Background(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "fine", string(obj.Data))

	_, err = f.Fetch(context.Background(), srv.URL+"/start")
	assert.ErrorIs(t, err, ErrBlockedAddress)
}

func TestAddressGuardChecksResolvedAddress(t *testing.T) {
	g, err := newAddressGuard(DefaultBlockedCIDRs)
	require.NoError(t, err)

	assert.ErrorIs(t, g.control("tcp4", "127.0.0.1:80", nil), ErrBlockedAddress)
	assert.ErrorIs(t, g.control("tcp4", "192.168.1.10:443", nil), ErrBlockedAddress)
	assert.ErrorIs(t, g.control("tcp6", "[fe80::1]:80", nil), ErrBlockedAddress)
	assert.NoError(t, g.control("tcp4", "93.184.216.34:443", nil))

	_, err = newAddressGuard([]string{"not-a-cidr"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo", 5))
	assert.Equal(t, "hé\n[truncated]", truncate("héllo", 2))
}

func TestMediaTypeHelpers(t *testing.T) {
	assert.True(t, IsImage("image/png"))
	assert.False(t, IsImage("text/plain"))
	assert.True(t, IsText("application/json"))
	assert.False(t, IsText("application/pdf"))
}
