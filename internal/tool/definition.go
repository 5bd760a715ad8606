package tool

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	xerrors "AgentDesk/internal/errors"
)

// Location 表示参数在 HTTP 请求中的位置。
type Location string

const (
	InPath  Location = "path"
	InQuery Location = "query"
	InBody  Location = "body"
)

// Parameter 描述工具的一个入参。
type Parameter struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	In          Location `json:"in,omitempty" yaml:"in,omitempty"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Definition 描述一个可被模型调用的下游 REST 接口。
type Definition struct {
	Name                 string      `json:"name" yaml:"name"`
	Description          string      `json:"description" yaml:"description"`
	Endpoint             string      `json:"endpoint" yaml:"endpoint"`
	Method               string      `json:"method" yaml:"method"`
	Parameters           []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RequiresConfirmation bool        `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`
	SampleInput          string      `json:"sample_input,omitempty" yaml:"sample_input,omitempty"`
	SampleOutput         string      `json:"sample_output,omitempty" yaml:"sample_output,omitempty"`
	Tags                 []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
}

const CodeInvalidDefinition xerrors.Code = "TOOL_INVALID_DEFINITION"

func init() {
	xerrors.Register(CodeInvalidDefinition, xerrors.Attributes{
		Message:  "invalid tool definition",
		Severity: xerrors.SeverityWarning,
	})
}

var (
	toolNamePattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)
)

var parameterTypes = map[string]struct{}{
	"string": {}, "integer": {}, "number": {}, "boolean": {}, "object": {}, "array": {},
}

// HTTPMethod 返回规范化后的 HTTP 方法，默认 GET。
func (d Definition) HTTPMethod() string {
	method := strings.ToUpper(strings.TrimSpace(d.Method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

// Placeholders 返回 Endpoint 中出现的路径占位符。
func (d Definition) Placeholders() []string {
	matches := placeholderPattern.FindAllStringSubmatch(d.Endpoint, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Param 按名称查找参数定义。
func (d Definition) Param(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// LocationOf 决定参数放在哪里：显式声明优先，其次是路径占位符，
// 否则 GET/DELETE 放在查询串，其余放在请求体。
func (d Definition) LocationOf(name string) Location {
	if p, ok := d.Param(name); ok && p.In != "" {
		return p.In
	}
	for _, placeholder := range d.Placeholders() {
		if placeholder == name {
			return InPath
		}
	}
	switch d.HTTPMethod() {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		return InQuery
	default:
		return InBody
	}
}

// Validate 检查定义本身是否可用。
func (d Definition) Validate() error {
	if !toolNamePattern.MatchString(d.Name) {
		return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具名称不合法: %q", d.Name))
	}
	if strings.TrimSpace(d.Endpoint) == "" {
		return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具 %s 缺少 endpoint", d.Name))
	}
	switch d.HTTPMethod() {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具 %s 的 HTTP 方法不支持: %s", d.Name, d.Method))
	}
	seen := make(map[string]struct{}, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具 %s 存在未命名参数", d.Name))
		}
		if _, dup := seen[p.Name]; dup {
			return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具 %s 参数重复: %s", d.Name, p.Name))
		}
		seen[p.Name] = struct{}{}
		if _, ok := parameterTypes[normalizeType(p.Type)]; !ok {
			return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具 %s 参数 %s 类型不支持: %s", d.Name, p.Name, p.Type))
		}
	}
	for _, placeholder := range d.Placeholders() {
		p, ok := d.Param(placeholder)
		if !ok || (p.In != "" && p.In != InPath) {
			return xerrors.New(CodeInvalidDefinition, fmt.Sprintf("工具 %s 的路径占位符 {%s} 没有对应的 path 参数", d.Name, placeholder))
		}
	}
	return nil
}

// Schema 返回参数的 JSON Schema，既用于发给模型，也用于校验模型给出的参数。
func (d Definition) Schema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		prop := map[string]any{"type": normalizeType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required || d.LocationOf(p.Name) == InPath {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ModelDescription 是提供给模型的工具描述，附带示例输入输出。
func (d Definition) ModelDescription() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(d.Description))
	if d.RequiresConfirmation {
		b.WriteString(" This action changes data and will be confirmed with the user before it runs.")
	}
	if s := strings.TrimSpace(d.SampleInput); s != "" {
		b.WriteString("\nExample input: ")
		b.WriteString(s)
	}
	if s := strings.TrimSpace(d.SampleOutput); s != "" {
		b.WriteString("\nExample output: ")
		b.WriteString(s)
	}
	return b.String()
}

// Find 在已固定的工具集合中按名称查找。
func Find(pinned []Definition, name string) (Definition, bool) {
	for _, def := range pinned {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "":
		return "string"
	case "int", "long":
		return "integer"
	case "float", "double":
		return "number"
	case "bool":
		return "boolean"
	default:
		return t
	}
}
