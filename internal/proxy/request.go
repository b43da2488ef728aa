package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/server"
)

// buildFetchRequest 推导缓存键与请求目的地，并预先构造好发往源站的请求。
func buildFetchRequest(ctx context.Context, c fiber.Ctx, route *server.SiteRoute) (*lifecycle.Request, error) {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	rawQuery := string(uri.QueryString())

	key := clean
	if rawQuery != "" {
		key += "?" + rawQuery
	}

	upstream := resolveUpstreamURL(route.UpstreamURL, clean, rawQuery)
	forward, err := buildUpstreamRequest(ctx, c, upstream, route, c.Method(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	return &lifecycle.Request{
		Method:      c.Method(),
		Path:        clean,
		Key:         key,
		Destination: requestDestination(c),
		Forward:     forward,
	}, nil
}

// requestDestination 依次参考 Sec-Fetch-Dest、Sec-Fetch-Mode 与 Accept 判断是否为页面导航。
func requestDestination(c fiber.Ctx) string {
	if dest := strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Dest"))); dest != "" {
		return dest
	}
	if strings.EqualFold(strings.TrimSpace(c.Get("Sec-Fetch-Mode")), "navigate") {
		return lifecycle.DestinationDocument
	}
	if c.Method() == http.MethodGet && strings.Contains(strings.ToLower(c.Get(fiber.HeaderAccept)), "text/html") {
		return lifecycle.DestinationDocument
	}
	return ""
}

func buildUpstreamRequest(
	ctx context.Context,
	c fiber.Ctx,
	upstream *url.URL,
	route *server.SiteRoute,
	method string,
	body io.Reader,
) (*http.Request, error) {
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	requestHeaders := fiberHeadersAsHTTP(c)
	server.CopyHeaders(req.Header, requestHeaders)
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))

	return req, nil
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	// path.Clean 会去掉目录结尾的 /，缓存键需要与清单中的写法保持一致。
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func resolveUpstreamURL(base *url.URL, clean, rawQuery string) *url.URL {
	relative := &url.URL{Path: clean}
	if rawQuery != "" {
		relative.RawQuery = rawQuery
	}
	return base.ResolveReference(relative)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.SiteRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
