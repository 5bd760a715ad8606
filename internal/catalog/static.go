package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"AgentDesk/internal/tool"
)

// StaticProvider 从本地文件加载工具定义，并按关键词打分检索。
type StaticProvider struct {
	tools      []tool.Definition
	maxResults int
}

// NewStaticProvider 创建静态目录。
func NewStaticProvider(defs []tool.Definition, maxResults int) (*StaticProvider, error) {
	if maxResults <= 0 {
		maxResults = 8
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
	}
	filtered, _ := filterDefinitions(defs)
	return &StaticProvider{tools: filtered, maxResults: maxResults}, nil
}

type catalogFile struct {
	Tools []tool.Definition `json:"tools" yaml:"tools"`
}

// LoadStaticProvider 从 YAML 或 JSON 文件加载工具定义。文件可以是 {tools: [...]} 或直接是列表。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("工具目录文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析工具目录路径失败: %w", err)
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取工具目录文件失败: %w", err)
	}

	defs, err := decodeCatalog(raw, strings.ToLower(filepath.Ext(absPath)))
	if err != nil {
		return nil, fmt.Errorf("解析工具目录文件失败: %w", err)
	}
	return NewStaticProvider(defs, maxResults)
}

func decodeCatalog(raw []byte, ext string) ([]tool.Definition, error) {
	unmarshal := yaml.Unmarshal
	if ext == ".json" {
		unmarshal = json.Unmarshal
	}
	var wrapped catalogFile
	if err := unmarshal(raw, &wrapped); err == nil && len(wrapped.Tools) > 0 {
		return wrapped.Tools, nil
	}
	var list []tool.Definition
	if err := unmarshal(raw, &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.New("工具目录为空")
	}
	return list, nil
}

// Search 实现 Provider。名称与标签命中权重为 2，描述命中为 1；
// 没有标签的工具视为通用工具，总是作为候选。
func (p *StaticProvider) Search(_ context.Context, query string, limit int) ([]tool.Definition, error) {
	if p == nil {
		return nil, nil
	}
	if limit <= 0 || limit > p.maxResults {
		limit = p.maxResults
	}
	terms := tokenize(query)

	type scored struct {
		def   tool.Definition
		score int
		index int
	}
	candidates := make([]scored, 0, len(p.tools))
	for i, def := range p.tools {
		score := scoreDefinition(def, terms)
		if score == 0 && len(def.Tags) > 0 {
			continue
		}
		candidates = append(candidates, scored{def: def, score: score, index: i})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].index < candidates[j].index
		}
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]tool.Definition, len(candidates))
	for i, c := range candidates {
		out[i] = c.def
	}
	return out, nil
}

func scoreDefinition(def tool.Definition, terms map[string]struct{}) int {
	if len(terms) == 0 {
		return 0
	}
	score := 0
	for word := range tokenize(def.Name) {
		if _, ok := terms[word]; ok {
			score += 2
		}
	}
	for _, tag := range def.Tags {
		for word := range tokenize(tag) {
			if _, ok := terms[word]; ok {
				score += 2
			}
		}
	}
	for word := range tokenize(def.Description) {
		if _, ok := terms[word]; ok {
			score++
		}
	}
	return score
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "into": {}, "please": {}, "can": {}, "you": {}, "this": {}, "that": {},
}

// tokenize 按非字母数字切分，去掉停用词并做简单的复数归一。
func tokenize(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
			w = strings.TrimSuffix(w, "s")
		}
		out[w] = struct{}{}
	}
	return out
}

var _ Provider = (*StaticProvider)(nil)
