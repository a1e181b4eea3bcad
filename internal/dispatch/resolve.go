package dispatch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"bulkbot/internal/job"
	"bulkbot/internal/transport"
)

const fallbackMIME = "image/jpeg"

// resolve turns a content reference into bytes plus a MIME type.
func (a *Adapter) resolve(ctx context.Context, cfg Config, ref job.ContentRef) (transport.Media, error) {
	switch ref.Kind {
	case job.RefResolved:
		if len(ref.Data) == 0 {
			return transport.Media{}, errEmptyContent
		}
		m := ref.MIME
		if m == "" {
			m = sniff(ref.Data, ref.FileName)
		}
		return transport.Media{FileName: ref.FileName, MIME: m, Data: ref.Data}, nil
	case job.RefLocalPath:
		return readLocal(ref.Path)
	case job.RefRemoteURL:
		return a.fetch(ctx, cfg, ref.URL)
	default:
		return transport.Media{}, fmt.Errorf("unsupported content kind %s", ref.Kind)
	}
}

func readLocal(p string) (transport.Media, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return transport.Media{}, err
	}
	if len(data) == 0 {
		return transport.Media{}, fmt.Errorf("%s: %w", p, errEmptyContent)
	}
	name := filepath.Base(p)
	return transport.Media{FileName: name, MIME: sniff(data, name), Data: data}, nil
}

func (a *Adapter) fetch(ctx context.Context, cfg Config, rawURL string) (transport.Media, error) {
	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return transport.Media{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return transport.Media{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return transport.Media{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxFetchBytes+1))
	if err != nil {
		return transport.Media{}, err
	}
	if int64(len(data)) > cfg.MaxFetchBytes {
		return transport.Media{}, fmt.Errorf("fetch %s: body exceeds %d bytes", rawURL, cfg.MaxFetchBytes)
	}
	if len(data) == 0 {
		return transport.Media{}, fmt.Errorf("fetch %s: %w", rawURL, errEmptyContent)
	}

	m := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			m = mt
		}
	}
	if m == "" || m == "application/octet-stream" {
		m = http.DetectContentType(data)
		if i := strings.IndexByte(m, ';'); i >= 0 {
			m = m[:i]
		}
	}
	if m == "" || m == "application/octet-stream" {
		m = fallbackMIME
	}
	return transport.Media{FileName: remoteName(rawURL), MIME: m, Data: data}, nil
}

// sniff prefers the extension's registered type and falls back to content sniffing.
func sniff(data []byte, name string) string {
	if ext := filepath.Ext(name); ext != "" {
		if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
			if i := strings.IndexByte(mt, ';'); i >= 0 {
				mt = mt[:i]
			}
			return mt
		}
	}
	mt := http.DetectContentType(data)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

func remoteName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "file"
	}
	base := path.Base(u.Path)
	if base == "" || base == "/" || base == "." {
		return "file"
	}
	return base
}
