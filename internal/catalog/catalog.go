package catalog

import (
	"context"
	"net/http"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/tool"
)

// CodeCatalogUnavailable 表示工具目录服务不可用。
const CodeCatalogUnavailable xerrors.Code = "CATALOG_UNAVAILABLE"

func init() {
	xerrors.Register(CodeCatalogUnavailable, xerrors.Attributes{
		Message:    "tool catalog unavailable",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

// Provider 根据用户请求检索相关的工具定义。
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]tool.Definition, error)
}

type tenantKey struct{}

// WithTenant 把租户 ID 放入 ctx，远程目录按租户过滤工具。
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFrom 读取 ctx 中的租户 ID。
func TenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// Empty 不返回任何工具。
type Empty struct{}

// Search 实现 Provider。
func (Empty) Search(context.Context, string, int) ([]tool.Definition, error) {
	return nil, nil
}

// filterDefinitions 丢弃不合法或重名的定义，返回被丢弃的错误供调用方记录。
func filterDefinitions(defs []tool.Definition) ([]tool.Definition, []error) {
	seen := make(map[string]struct{}, len(defs))
	out := make([]tool.Definition, 0, len(defs))
	var rejected []error
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			rejected = append(rejected, err)
			continue
		}
		if _, dup := seen[def.Name]; dup {
			continue
		}
		seen[def.Name] = struct{}{}
		out = append(out, def)
	}
	return out, rejected
}
