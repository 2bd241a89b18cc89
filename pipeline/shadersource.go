package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
)

// ShaderSource resolves a kernel filename to WGSL source text. Kernels
// live at a fixed base path but the transport is not fixed, so both the
// module's embedded canonical kernel set and an HTTP-served one are
// supported.
type ShaderSource interface {
	Load(ctx context.Context, filename string) (string, error)
}

// FSSource serves shader source from an fs.FS (typically an embed.FS).
type FSSource struct {
	FS   fs.FS
	Base string
}

// NewFSSource returns a ShaderSource rooted at base within filesystem.
func NewFSSource(filesystem fs.FS, base string) *FSSource {
	return &FSSource{FS: filesystem, Base: base}
}

// Load implements ShaderSource.
func (s *FSSource) Load(_ context.Context, filename string) (string, error) {
	data, err := fs.ReadFile(s.FS, path.Join(s.Base, filename))
	if err != nil {
		return "", fmt.Errorf("pipeline: load shader %q: %w", filename, err)
	}
	return string(data), nil
}

// HTTPSource fetches shader source from a fixed base URL, for
// deployments that serve the kernel set from a remote base path.
type HTTPSource struct {
	Client  *http.Client
	BaseURL string
}

// NewHTTPSource returns a ShaderSource that fetches "<baseURL>/<filename>".
func NewHTTPSource(client *http.Client, baseURL string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{Client: client, BaseURL: baseURL}
}

// Load implements ShaderSource. It fails if the fetch returns a non-OK
// status.
func (s *HTTPSource) Load(ctx context.Context, filename string) (string, error) {
	url := s.BaseURL + "/" + filename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("pipeline: build request for %q: %w", filename, err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pipeline: fetch %q: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pipeline: fetch %q: status %s", filename, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("pipeline: read %q: %w", filename, err)
	}
	return string(body), nil
}
