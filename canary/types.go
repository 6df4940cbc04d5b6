package canary

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Kind 版本类型
type Kind string

const (
	KindRule   Kind = "rule"
	KindPrompt Kind = "prompt"
)

// Valid 是否为已知类型
func (k Kind) Valid() bool { return k == KindRule || k == KindPrompt }

// Target 灰度目标：某个工作流的规则或提示词
type Target struct {
	Kind       Kind   `json:"kind"`
	WorkflowID string `json:"workflow_id"`
}

// Key 目标键，形如 rule:defect-check
func (t Target) Key() string { return string(t.Kind) + ":" + t.WorkflowID }

// Version 不可变版本。创建后任何字段都不再修改。
type Version struct {
	ID        string            `json:"id"`
	Target    Target            `json:"target"`
	SemVer    string            `json:"version"`
	Body      string            `json:"body"`
	Checksum  string            `json:"checksum"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Policy 版本元数据中声明的判断策略
func (v *Version) Policy() string {
	if v == nil {
		return ""
	}
	return v.Metadata["policy"]
}

// Pointer 可变指针记录：当前版本 + 可选候选版本。整体原子替换。
type Pointer struct {
	Current        string `json:"current"`
	Candidate      string `json:"candidate,omitempty"`
	DeploymentID   string `json:"deployment_id,omitempty"`
	TrafficPercent int    `json:"traffic_percent"`
}

// DeploymentStatus 灰度部署状态
type DeploymentStatus string

const (
	StatusRunning    DeploymentStatus = "RUNNING"
	StatusPromoted   DeploymentStatus = "PROMOTED"
	StatusRolledBack DeploymentStatus = "ROLLED_BACK"
)

// Terminal 是否终态
func (s DeploymentStatus) Terminal() bool { return s == StatusPromoted || s == StatusRolledBack }

// Criteria 成功/失败判定阈值
type Criteria struct {
	MaxErrorRate                float64       `yaml:"max_error_rate" json:"max_error_rate"`
	MaxNegativeFeedbackRate     float64       `yaml:"max_negative_feedback_rate" json:"max_negative_feedback_rate"`
	RelativeErrorThreshold      float64       `yaml:"relative_error_threshold" json:"relative_error_threshold"`
	ConsecutiveFailureThreshold int           `yaml:"consecutive_failure_threshold" json:"consecutive_failure_threshold"`
	MinSamples                  int           `yaml:"min_samples" json:"min_samples"`
	Steps                       []int         `yaml:"steps" json:"steps"`
	AutoPromote                 bool          `yaml:"auto_promote" json:"auto_promote"`
	ObservationWindow           time.Duration `yaml:"observation_window" json:"observation_window"`
}

// DefaultCriteria 默认阈值
func DefaultCriteria() Criteria {
	return Criteria{
		MaxErrorRate:                0.05,
		MaxNegativeFeedbackRate:     0.2,
		RelativeErrorThreshold:      2.0,
		ConsecutiveFailureThreshold: 5,
		MinSamples:                  20,
		Steps:                       []int{10, 50, 100},
		AutoPromote:                 true,
		ObservationWindow:           5 * time.Minute,
	}
}

func (c Criteria) normalized() Criteria {
	d := DefaultCriteria()
	if c.MaxErrorRate <= 0 {
		c.MaxErrorRate = d.MaxErrorRate
	}
	if c.MaxNegativeFeedbackRate <= 0 {
		c.MaxNegativeFeedbackRate = d.MaxNegativeFeedbackRate
	}
	if c.RelativeErrorThreshold <= 0 {
		c.RelativeErrorThreshold = d.RelativeErrorThreshold
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = d.ConsecutiveFailureThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if len(c.Steps) == 0 {
		c.Steps = d.Steps
	}
	if c.ObservationWindow < 0 {
		c.ObservationWindow = 0
	}
	return c
}

// nextStep 返回大于当前流量的下一档；没有时返回 100
func (c Criteria) nextStep(current int) int {
	for _, s := range c.Steps {
		if s > current {
			if s > 100 {
				return 100
			}
			return s
		}
	}
	return 100
}

// WindowStats 观察窗口内的统计
type WindowStats struct {
	Samples             int `json:"samples"`
	Errors              int `json:"errors"`
	Feedback            int `json:"feedback"`
	NegativeFeedback    int `json:"negative_feedback"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// ErrorRate 错误率
func (s WindowStats) ErrorRate() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Samples)
}

// NegativeRate 负反馈率
func (s WindowStats) NegativeRate() float64 {
	if s.Feedback == 0 {
		return 0
	}
	return float64(s.NegativeFeedback) / float64(s.Feedback)
}

// Deployment 灰度部署
type Deployment struct {
	ID             string           `json:"id"`
	Target         Target           `json:"target"`
	FromVersion    string           `json:"from_version,omitempty"`
	ToVersion      string           `json:"to_version"`
	TrafficPercent int              `json:"traffic_percent"`
	Status         DeploymentStatus `json:"status"`
	Criteria       Criteria         `json:"criteria"`
	Candidate      WindowStats      `json:"candidate_stats"`
	Incumbent      WindowStats      `json:"incumbent_stats"`
	StartedAt      time.Time        `json:"started_at"`
	LastStepAt     time.Time        `json:"last_step_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

func (d *Deployment) clone() *Deployment {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Criteria.Steps = append([]int(nil), d.Criteria.Steps...)
	if d.EndedAt != nil {
		t := *d.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// AuditRecord 迁移审计记录
type AuditRecord struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	Target       string    `json:"target"`
	Action       string    `json:"action"`
	FromVersion  string    `json:"from_version,omitempty"`
	ToVersion    string    `json:"to_version,omitempty"`
	Traffic      int       `json:"traffic_percent"`
	Reason       string    `json:"reason,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	At           time.Time `json:"at"`
}

// Resolution 一次版本解析结果
type Resolution struct {
	Version      *Version
	DeploymentID string
	Candidate    bool
}

func checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
