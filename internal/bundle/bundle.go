// Package bundle turns a program file under the server's root directory into
// a self-contained bundle: the program source plus the source of every
// module it imports, directly or transitively.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"juttled/internal/apperrors"
	"juttled/internal/engine"
	"juttled/internal/protocol"
)

const (
	moduleExt      = ".juttle"
	maxModuleBytes = 1 << 20
)

// Bundler resolves program paths relative to a root directory.
type Bundler struct {
	root        string
	searchPaths []string
	client      *http.Client
	logger      *slog.Logger
}

// Option configures a Bundler.
type Option func(*Bundler)

// WithSearchPaths adds directories searched for modules before the root and
// the program's own directory.
func WithSearchPaths(dirs ...string) Option {
	return func(b *Bundler) { b.searchPaths = append(b.searchPaths, dirs...) }
}

// WithHTTPClient sets the client used for http and https module imports.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bundler) { b.client = c }
}

func New(root string, opts ...Option) *Bundler {
	b := &Bundler{
		root:   root,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.With("component", "bundler"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Result is the body served for a path lookup.
type Result struct {
	Bundle protocol.Bundle `json:"bundle"`
}

// Bundle reads respath, relative to the root, and every module it imports.
// Missing files, directories and dangling symlinks are not found; unreadable
// files and paths leaving the root are access errors. Parse errors and
// unresolvable imports come back as juttle errors carrying what was read.
func (b *Bundler) Bundle(ctx context.Context, respath string) (*Result, error) {
	rel := path.Clean("/" + respath)[1:]
	if rel == "" {
		rel = "."
	}

	root, err := os.OpenRoot(b.root)
	if err != nil {
		return nil, apperrors.Internal("bundle.open_root", err)
	}
	defer root.Close()

	program, err := readFile(root, rel)
	if err != nil {
		return nil, fileError(respath, err)
	}

	bundle := protocol.Bundle{Program: program, Modules: map[string]string{}}
	r := &resolver{
		b:          b,
		ctx:        ctx,
		root:       root,
		programDir: path.Dir(rel),
		modules:    bundle.Modules,
	}
	if err := r.walk(program, engine.MainFilename); err != nil {
		var jerr *engine.Error
		if errors.As(err, &jerr) {
			return nil, apperrors.Juttle(jerr, bundle)
		}
		return nil, err
	}

	b.logger.Debug("Bundled program", "path", respath, "modules", len(bundle.Modules))
	return &Result{Bundle: bundle}, nil
}

type resolver struct {
	b          *Bundler
	ctx        context.Context
	root       *os.Root
	programDir string
	modules    map[string]string
}

func (r *resolver) walk(src, filename string) error {
	imports, err := engine.Imports(src, filename)
	if err != nil {
		return err
	}
	for _, imp := range imports {
		if _, ok := r.modules[imp.Module]; ok {
			continue
		}
		source, ok, err := r.resolve(imp.Module)
		if err != nil {
			return err
		}
		if !ok {
			return engine.ModuleNotFound(imp)
		}
		r.modules[imp.Module] = source
		if err := r.walk(source, imp.Module); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) resolve(name string) (string, bool, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return r.fetch(name)
	}

	for _, dir := range r.b.searchPaths {
		if src, ok := readFromDir(dir, name); ok {
			return src, true, nil
		}
	}
	for _, candidate := range candidates(name) {
		for _, rel := range []string{strings.TrimPrefix(candidate, "/"), path.Join(r.programDir, candidate)} {
			rel = path.Clean(rel)
			if !filepath.IsLocal(filepath.FromSlash(rel)) {
				continue
			}
			if src, err := readFile(r.root, rel); err == nil {
				return src, true, nil
			}
		}
	}
	return "", false, nil
}

func (r *resolver) fetch(url string) (string, bool, error) {
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, nil
	}
	resp, err := r.b.client.Do(req)
	if err != nil {
		r.b.logger.Debug("Module fetch failed", "url", url, "error", err)
		return "", false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleBytes))
	if err != nil {
		return "", false, fmt.Errorf("read module %s: %w", url, err)
	}
	return string(body), true, nil
}

// candidates lists the file names tried for a module import.
func candidates(name string) []string {
	if path.Ext(name) == "" {
		return []string{name, name + moduleExt}
	}
	return []string{name}
}

func readFromDir(dir, name string) (string, bool) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", false
	}
	defer root.Close()
	for _, candidate := range candidates(name) {
		rel := path.Clean(strings.TrimPrefix(candidate, "/"))
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			continue
		}
		if src, err := readFile(root, rel); err == nil {
			return src, true
		}
	}
	return "", false
}

var errNotFile = errors.New("not a regular file")

func readFile(root *os.Root, name string) (string, error) {
	info, err := root.Stat(name)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", errNotFile
	}
	f, err := root.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func fileError(respath string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, errNotFile):
		return apperrors.FileNotFound(respath)
	default:
		return apperrors.FileAccess(respath)
	}
}
