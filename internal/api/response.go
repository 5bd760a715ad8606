package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/pkg/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 按错误码映射 HTTP 状态。未注册的错误只返回通用信息，细节写入日志。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: "internal error"}
	if e, ok := xerrors.From(err); ok && status < http.StatusInternalServerError {
		body.Message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.String("code", body.Code), slog.Any("error", err))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// bearerToken 提取 Authorization 头中的 Bearer 凭证。
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
