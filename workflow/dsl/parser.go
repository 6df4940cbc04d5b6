package dsl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse 从 YAML（或 JSON）字节解析并验证工作流定义
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	for i := range def.Nodes {
		def.Nodes[i].Type = NodeType(strings.ToUpper(string(def.Nodes[i].Type)))
		def.Nodes[i].Config = normalizeYAML(def.Nodes[i].Config)
	}
	if def.Trigger.Type == "" {
		def.Trigger.Type = TriggerManual
	}
	def.Prepare()

	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseFile 从文件解析工作流定义
func ParseFile(filename string) (*Definition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read DSL file: %w", err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(filename), err)
	}
	return def, nil
}

// LoadDir 加载目录下所有 .yaml/.yml/.json 定义，按文件名排序
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Interpolate 变量插值（替换 ${var_name}，支持点号路径）
func Interpolate(template string, vars map[string]any) string {
	var sb strings.Builder
	s := template
	for {
		start := strings.Index(s, "${")
		if start == -1 {
			sb.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			sb.WriteString(s)
			break
		}
		sb.WriteString(s[:start])
		ref := strings.TrimSpace(s[start+2 : start+end])
		if v := ResolvePath(ref, vars); v != nil {
			sb.WriteString(fmt.Sprintf("%v", v))
		}
		s = s[start+end+1:]
	}
	return sb.String()
}

// normalizeYAML 把 yaml 解码出的 map[any]any 统一转换为 map[string]any
func normalizeYAML(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeYAML(val)
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}
