// fetcher.go
package tile_proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var ErrEmptyTile = errors.New("empty tile data")

// HTTPStatusError 瓦片服务返回非200状态
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("tile server returned status %d for %s", e.StatusCode, e.URL)
}

// HTTPTileFetcher 通过HTTP获取底图与路由瓦片，每次调用只请求一次，重试由调用方负责
type HTTPTileFetcher struct {
	httpClient      *http.Client
	basemapTemplate string
	valhallaBaseURL string
	userAgent       string
}

// NewHTTPTileFetcher 创建瓦片获取器
func NewHTTPTileFetcher(basemapTemplate, valhallaBaseURL string, timeout time.Duration) *HTTPTileFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTileFetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		basemapTemplate: basemapTemplate,
		valhallaBaseURL: valhallaBaseURL,
		userAgent:       "OfflineMap/1.0",
	}
}

// WithHTTPClient 替换HTTP客户端（测试用）
func (f *HTTPTileFetcher) WithHTTPClient(client *http.Client) *HTTPTileFetcher {
	f.httpClient = client
	return f
}

// BuildBasemapURL 构建底图瓦片URL
func BuildBasemapURL(template string, z, x, y int) string {
	url := template
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(z))
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(x))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(y))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa(FlipY(z, y)))
	return url
}

// FetchBasemapTile 获取底图瓦片
func (f *HTTPTileFetcher) FetchBasemapTile(ctx context.Context, z, x, y int) ([]byte, error) {
	return f.fetch(ctx, BuildBasemapURL(f.basemapTemplate, z, x, y))
}

// FetchValhallaTile 获取路由瓦片
func (f *HTTPTileFetcher) FetchValhallaTile(ctx context.Context, level, index int) ([]byte, error) {
	return f.fetch(ctx, ValhallaTileURL(f.valhallaBaseURL, level, index))
}

// fetch 获取单个瓦片
func (f *HTTPTileFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTile, url)
	}
	return data, nil
}
