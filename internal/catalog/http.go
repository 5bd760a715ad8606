package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/tool"
	"AgentDesk/pkg/logger"
)

// HTTPConfig 描述远程工具发现服务。
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPProvider 通过 POST {query, limit, tenant_id} 调用远程发现服务。
type HTTPProvider struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewHTTPProvider 创建远程目录。
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具目录 URL 不能为空")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{url: url, client: client, log: logger.Named("catalog")}, nil
}

type searchRequest struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	TenantID string `json:"tenant_id,omitempty"`
}

type searchResponse struct {
	Tools []tool.Definition `json:"tools"`
}

// Search 实现 Provider。服务端返回的非法定义会被跳过并记录日志。
func (p *HTTPProvider) Search(ctx context.Context, query string, limit int) ([]tool.Definition, error) {
	payload, err := json.Marshal(searchRequest{Query: query, Limit: limit, TenantID: TenantFrom(ctx)})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码检索请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建检索请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeCatalogUnavailable, err, "调用工具目录失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeCatalogUnavailable, err, "读取工具目录响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(CodeCatalogUnavailable, fmt.Sprintf("工具目录返回 %d: %s", resp.StatusCode, tool.Truncate(string(body), 200)))
	}

	var decoded searchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(CodeCatalogUnavailable, err, "解析工具目录响应失败")
	}
	defs, rejected := filterDefinitions(decoded.Tools)
	for _, reason := range rejected {
		p.log.Warn("跳过非法工具定义", slog.Any("error", reason))
	}
	if limit > 0 && len(defs) > limit {
		defs = defs[:limit]
	}
	return defs, nil
}

var _ Provider = (*HTTPProvider)(nil)
