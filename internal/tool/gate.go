package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Call 是模型发起的一次工具调用。
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Decision 是闸门对一次调用的裁决。
type Decision int

const (
	// DecisionExecute 直接执行。
	DecisionExecute Decision = iota
	// DecisionConfirm 需要先征得用户确认。
	DecisionConfirm
	// DecisionUnknown 工具不在本会话固定的工具集中。
	DecisionUnknown
	// DecisionInvalid 参数未通过 schema 校验。
	DecisionInvalid
)

func (d Decision) String() string {
	switch d {
	case DecisionExecute:
		return "execute"
	case DecisionConfirm:
		return "confirm"
	case DecisionUnknown:
		return "unknown"
	case DecisionInvalid:
		return "invalid"
	default:
		return "decision(" + fmt.Sprint(int(d)) + ")"
	}
}

// Verdict 携带裁决结果以及匹配到的定义。
type Verdict struct {
	Decision   Decision
	Definition Definition
	Reason     string
}

// ConfirmOptions 是等待确认时提供给客户端的快捷回复。
var ConfirmOptions = []string{"yes, proceed", "no, cancel"}

// Gate 根据固定工具集与参数校验决定一次调用如何处理。
type Gate struct {
	validator *Validator
}

// NewGate 创建闸门；validator 为空时跳过参数校验。
func NewGate(validator *Validator) *Gate {
	return &Gate{validator: validator}
}

// Evaluate 对调用做出裁决。确认类工具同样要先通过参数校验，
// 避免让用户确认一个注定失败的请求。
func (g *Gate) Evaluate(call Call, pinned []Definition) Verdict {
	def, ok := Find(pinned, call.Name)
	if !ok {
		return Verdict{
			Decision: DecisionUnknown,
			Reason:   fmt.Sprintf("Tool %q is not available in this conversation.", call.Name),
		}
	}
	if g != nil && g.validator != nil {
		if err := g.validator.Validate(def, call.Arguments); err != nil {
			return Verdict{
				Decision:   DecisionInvalid,
				Definition: def,
				Reason:     fmt.Sprintf("Invalid arguments for tool %q: %v", call.Name, err),
			}
		}
	}
	if def.RequiresConfirmation {
		return Verdict{Decision: DecisionConfirm, Definition: def}
	}
	return Verdict{Decision: DecisionExecute, Definition: def}
}

// Confirmation 是对用户回复的分类。
type Confirmation int

const (
	Declined Confirmation = iota
	Confirmed
)

var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "confirm": {}, "proceed": {}, "ok": {}, "okay": {}, "sure": {}, "go ahead": {},
}

// ClassifyReply 判断用户对确认请求的回复，除白名单外一律视为拒绝。
func ClassifyReply(text string) Confirmation {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRightFunc(normalized, func(r rune) bool {
		return r == '.' || r == '!' || unicode.IsSpace(r)
	})
	if normalized == "" {
		return Declined
	}
	if _, ok := affirmatives[normalized]; ok {
		return Confirmed
	}
	if rest, ok := strings.CutPrefix(normalized, "yes"); ok {
		// "yes, proceed" 算确认，"yesterday" 不算。
		first := []rune(rest)[0]
		if !unicode.IsLetter(first) && !unicode.IsDigit(first) {
			return Confirmed
		}
	}
	return Declined
}

var inputCues = []string{
	"please confirm",
	"would you like",
	"do you want",
	"shall i",
	"should i",
	"which one",
	"please choose",
	"please select",
	"do you approve",
	"let me know if",
}

// AsksForInput 判断模型的纯文本回复是否在向用户提问。
func AsksForInput(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, cue := range inputCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// ComposeConfirmation 生成请求用户确认的文本。
func ComposeConfirmation(def Definition, args map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I'm about to run %s", def.Name)
	if desc := strings.TrimSpace(def.Description); desc != "" {
		fmt.Fprintf(&b, " (%s)", strings.TrimRight(desc, "."))
	}
	b.WriteString(".")
	if len(args) > 0 {
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nArguments:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, FormatValue(args[k]))
		}
	}
	b.WriteString("\n\nDo you want me to proceed? Reply yes to continue or no to cancel.")
	return b.String()
}

// FormatValue 把参数值格式化为请求或展示用的字符串。
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case int, int32, int64:
		return fmt.Sprintf("%d", val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}
