package judgment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RoutingKey 输入内容指纹（不含版本），用于灰度分流
func RoutingKey(workflowID string, input map[string]any) (string, error) {
	return digest(map[string]any{
		"workflow_id": workflowID,
		"input":       input,
	})
}

// Fingerprint 缓存键：工作流、输入、解析到的规则/提示词版本与请求策略。
// encoding/json 对 map 键排序，因此同一输入总是得到同一指纹。
func Fingerprint(workflowID string, input map[string]any, ruleVersion, promptVersion string, policy Policy) (string, error) {
	return digest(map[string]any{
		"workflow_id":    workflowID,
		"input":          input,
		"rule_version":   ruleVersion,
		"prompt_version": promptVersion,
		"policy":         string(policy),
	})
}

func digest(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize judgment input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
