package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type instanceRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	DefinitionID      string `gorm:"size:128;not null;index"`
	DefinitionVersion string `gorm:"size:32;not null"`
	Status            string `gorm:"size:16;not null;index"`
	// State 完整实例快照（节点状态、上下文、挂起记录）
	State     string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	EndedAt   *time.Time
}

func (instanceRow) TableName() string { return "workflow_instances" }

type executionRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	InstanceID string `gorm:"size:64;not null;index"`
	NodeID     string `gorm:"size:128;not null"`
	NodeType   string `gorm:"size:16;not null"`
	Attempt    int    `gorm:"not null"`
	Status     string `gorm:"size:16;not null"`
	Input      string `gorm:"type:text"`
	Output     string `gorm:"type:text"`
	Error      string `gorm:"type:text"`
	Category   string `gorm:"size:32"`
	StartedAt  time.Time
	EndedAt    *time.Time
}

func (executionRow) TableName() string { return "workflow_node_executions" }

var terminalStatuses = []string{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}

// GormStore 基于 gorm 的实例存储，表结构由 internal/migration 管理
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 直接建表（测试与 sqlite 单机模式使用）
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&instanceRow{}, &executionRow{})
}

func (s *GormStore) SaveInstance(ctx context.Context, inst *Instance) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}
	row := instanceRow{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            string(inst.Status),
		State:             string(state),
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
		EndedAt:           inst.EndedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "state", "updated_at", "ended_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *GormStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var row instanceRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("workflow instance", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return decodeInstance([]byte(row.State))
}

func (s *GormStore) ListActive(ctx context.Context) ([]*Instance, error) {
	var rows []instanceRow
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", terminalStatuses).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	out := make([]*Instance, 0, len(rows))
	for _, r := range rows {
		inst, err := decodeInstance([]byte(r.State))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *GormStore) AppendExecution(ctx context.Context, exec *NodeExecution) error {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal execution input: %w", err)
	}
	output, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("marshal execution output: %w", err)
	}
	row := executionRow{
		ID:         exec.ID,
		InstanceID: exec.InstanceID,
		NodeID:     exec.NodeID,
		NodeType:   string(exec.NodeType),
		Attempt:    exec.Attempt,
		Status:     string(exec.Status),
		Input:      string(input),
		Output:     string(output),
		Error:      exec.Error,
		Category:   string(exec.Category),
		StartedAt:  exec.StartedAt,
		EndedAt:    exec.EndedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append execution %s/%s: %w", exec.InstanceID, exec.NodeID, err)
	}
	return nil
}

func (s *GormStore) ListExecutions(ctx context.Context, instanceID string) ([]*NodeExecution, error) {
	var rows []executionRow
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("started_at").Order("attempt").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list executions of %s: %w", instanceID, err)
	}
	out := make([]*NodeExecution, 0, len(rows))
	for _, r := range rows {
		exec := &NodeExecution{
			ID:         r.ID,
			InstanceID: r.InstanceID,
			NodeID:     r.NodeID,
			NodeType:   dsl.NodeType(r.NodeType),
			Attempt:    r.Attempt,
			Status:     NodeStatus(r.Status),
			Error:      r.Error,
			Category:   types.ErrorCode(r.Category),
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
		}
		for _, f := range []struct {
			raw string
			dst *map[string]any
		}{{r.Input, &exec.Input}, {r.Output, &exec.Output}} {
			if f.raw == "" || f.raw == "null" {
				continue
			}
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("decode execution %s: %w", r.ID, err)
			}
		}
		out = append(out, exec)
	}
	return out, nil
}
