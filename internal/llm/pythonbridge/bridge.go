package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/llm"
)

// Client 通过本地脚本完成推理：请求 JSON 写入 stdin，响应 JSON 从 stdout 读取。
// 适合接入本地模型或离线回放。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Complete 调用外部脚本，并解析输出。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "推理脚本超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeModelFailure, err,
			fmt.Sprintf("执行推理脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var resp llm.Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeMalformedResponse, err, "解析脚本输出失败")
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].Arguments == nil {
			resp.ToolCalls[i].Arguments = map[string]any{}
		}
	}
	return &resp, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
