// Package sdk serves the browser helper for the call API. Scripts are
// available at /sdk/goop-*.js on the viewer.
package sdk

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

var log = logging.Logger("viewer")

//go:embed *.js
var rawFS embed.FS

type asset struct {
	body []byte
	etag string
}

var assets map[string]asset

func init() {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)

	assets = make(map[string]asset)

	_ = fs.WalkDir(rawFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.ToLower(filepath.Ext(path)) != ".js" {
			return nil
		}
		raw, err := rawFS.ReadFile(path)
		if err != nil {
			return nil
		}
		out, err := m.Bytes("application/javascript", raw)
		if err != nil {
			log.Warnf("sdk: minify %s: %v (using original)", path, err)
			out = raw
		}
		sum := sha256.Sum256(out)
		assets["goop-"+path] = asset{body: out, etag: `"` + hex.EncodeToString(sum[:8]) + `"`}
		return nil
	})
}

// Names lists the served script names.
func Names() []string {
	out := make([]string, 0, len(assets))
	for k := range assets {
		out = append(out, k)
	}
	return out
}

// Handler serves the SDK scripts. Mount it at /sdk/ with a StripPrefix.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a, ok := assets[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", a.etag)
		if r.Header.Get("If-None-Match") == a.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(a.body)
	})
}
