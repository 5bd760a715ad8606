package tool

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator 使用 JSON Schema 校验模型给出的工具参数，编译结果按 schema 内容缓存。
type Validator struct {
	cache sync.Map
}

// NewValidator 创建校验器。
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 校验参数，失败时返回面向模型的可读错误。
func (v *Validator) Validate(def Definition, args map[string]any) error {
	schema, err := v.compile(def)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}

	if args == nil {
		args = map[string]any{}
	}
	// 经过一次 JSON 编解码，保证数值类型统一为 float64。
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if stdErrors.As(err, &ve) {
			return stdErrors.New(describe(ve))
		}
		return err
	}
	return nil
}

func (v *Validator) compile(def Definition) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(def.Schema())
	if err != nil {
		return nil, err
	}
	key := def.Name + "\x00" + string(raw)
	if cached, ok := v.cache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(def.Name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

// describe 展开嵌套的校验错误，只保留叶子节点。
func describe(ve *jsonschema.ValidationError) string {
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			leaves = append(leaves, fmt.Sprintf("%s: %s", location, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	sort.Strings(leaves)
	return strings.Join(leaves, "; ")
}
