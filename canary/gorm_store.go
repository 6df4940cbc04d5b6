package canary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/judgeflow/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 表模型
// =============================================================================

type versionRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Kind       string    `gorm:"size:16;not null;index:idx_canary_versions_target"`
	WorkflowID string    `gorm:"size:128;not null;index:idx_canary_versions_target"`
	SemVer     string    `gorm:"column:semver;size:64;not null"`
	Body       string    `gorm:"type:text;not null"`
	Checksum   string    `gorm:"size:64;not null"`
	Metadata   string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (versionRow) TableName() string { return "canary_versions" }

type pointerRow struct {
	Kind             string `gorm:"primaryKey;size:16"`
	WorkflowID       string `gorm:"primaryKey;size:128"`
	CurrentVersion   string `gorm:"size:64"`
	CandidateVersion string `gorm:"size:64"`
	DeploymentID     string `gorm:"size:64"`
	TrafficPercent   int    `gorm:"not null;default:0"`
	UpdatedAt        time.Time
}

func (pointerRow) TableName() string { return "canary_pointers" }

type deploymentRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	Kind           string `gorm:"size:16;not null"`
	WorkflowID     string `gorm:"size:128;not null"`
	FromVersion    string `gorm:"size:64"`
	ToVersion      string `gorm:"size:64;not null"`
	TrafficPercent int    `gorm:"not null;default:0"`
	Status         string `gorm:"size:16;not null;index"`
	Criteria       string `gorm:"type:text"`
	CandidateStats string `gorm:"type:text"`
	IncumbentStats string `gorm:"type:text"`
	StartedAt      time.Time
	LastStepAt     time.Time
	EndedAt        *time.Time
	Reason         string `gorm:"type:text"`
}

func (deploymentRow) TableName() string { return "canary_deployments" }

type auditRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	DeploymentID   string `gorm:"size:64;index"`
	Target         string `gorm:"size:160"`
	Action         string `gorm:"size:32"`
	FromVersion    string `gorm:"size:64"`
	ToVersion      string `gorm:"size:64"`
	TrafficPercent int
	Reason         string `gorm:"type:text"`
	Actor          string `gorm:"size:128"`
	At             time.Time
}

func (auditRow) TableName() string { return "canary_audit" }

// =============================================================================
// GormStore
// =============================================================================

// GormStore 基于 gorm 的持久化实现，表结构由 internal/migration 管理
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 直接建表（测试与 sqlite 单机模式使用）
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&versionRow{}, &pointerRow{}, &deploymentRow{}, &auditRow{})
}

func (s *GormStore) SaveVersion(ctx context.Context, v *Version) error {
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return fmt.Errorf("marshal version metadata: %w", err)
	}
	row := versionRow{
		ID:         v.ID,
		Kind:       string(v.Target.Kind),
		WorkflowID: v.Target.WorkflowID,
		SemVer:     v.SemVer,
		Body:       v.Body,
		Checksum:   v.Checksum,
		Metadata:   string(meta),
		CreatedAt:  v.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("save version %s: %w", v.ID, err)
	}
	return nil
}

func (s *GormStore) ListVersions(ctx context.Context) ([]*Version, error) {
	var rows []versionRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	out := make([]*Version, 0, len(rows))
	for _, r := range rows {
		v := &Version{
			ID:        r.ID,
			Target:    Target{Kind: Kind(r.Kind), WorkflowID: r.WorkflowID},
			SemVer:    r.SemVer,
			Body:      r.Body,
			Checksum:  r.Checksum,
			CreatedAt: r.CreatedAt,
		}
		if r.Metadata != "" && r.Metadata != "null" {
			if err := json.Unmarshal([]byte(r.Metadata), &v.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of version %s: %w", r.ID, err)
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *GormStore) SavePointer(ctx context.Context, target Target, p Pointer) error {
	row := pointerRow{
		Kind:             string(target.Kind),
		WorkflowID:       target.WorkflowID,
		CurrentVersion:   p.Current,
		CandidateVersion: p.Candidate,
		DeploymentID:     p.DeploymentID,
		TrafficPercent:   p.TrafficPercent,
		UpdatedAt:        time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "workflow_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"current_version", "candidate_version", "deployment_id", "traffic_percent", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save pointer %s: %w", target.Key(), err)
	}
	return nil
}

func (s *GormStore) LoadPointers(ctx context.Context) (map[Target]Pointer, error) {
	var rows []pointerRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load pointers: %w", err)
	}
	out := make(map[Target]Pointer, len(rows))
	for _, r := range rows {
		out[Target{Kind: Kind(r.Kind), WorkflowID: r.WorkflowID}] = Pointer{
			Current:        r.CurrentVersion,
			Candidate:      r.CandidateVersion,
			DeploymentID:   r.DeploymentID,
			TrafficPercent: r.TrafficPercent,
		}
	}
	return out, nil
}

func (s *GormStore) SaveDeployment(ctx context.Context, d *Deployment) error {
	row, err := toDeploymentRow(d)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("save deployment %s: %w", d.ID, err)
	}
	return nil
}

func (s *GormStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var row deploymentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w", id, err)
	}
	return fromDeploymentRow(row)
}

func (s *GormStore) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	var rows []deploymentRow
	if err := s.db.WithContext(ctx).Order("started_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]*Deployment, 0, len(rows))
	for _, r := range rows {
		d, err := fromDeploymentRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *GormStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	row := auditRow{
		ID:             rec.ID,
		DeploymentID:   rec.DeploymentID,
		Target:         rec.Target,
		Action:         rec.Action,
		FromVersion:    rec.FromVersion,
		ToVersion:      rec.ToVersion,
		TrafficPercent: rec.Traffic,
		Reason:         rec.Reason,
		Actor:          rec.Actor,
		At:             rec.At,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *GormStore) ListAudit(ctx context.Context, deploymentID string) ([]AuditRecord, error) {
	q := s.db.WithContext(ctx).Order("at")
	if deploymentID != "" {
		q = q.Where("deployment_id = ?", deploymentID)
	}
	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	out := make([]AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditRecord{
			ID:           r.ID,
			DeploymentID: r.DeploymentID,
			Target:       r.Target,
			Action:       r.Action,
			FromVersion:  r.FromVersion,
			ToVersion:    r.ToVersion,
			Traffic:      r.TrafficPercent,
			Reason:       r.Reason,
			Actor:        r.Actor,
			At:           r.At,
		})
	}
	return out, nil
}

func toDeploymentRow(d *Deployment) (*deploymentRow, error) {
	criteria, err := json.Marshal(d.Criteria)
	if err != nil {
		return nil, fmt.Errorf("marshal criteria: %w", err)
	}
	cand, _ := json.Marshal(d.Candidate)
	inc, _ := json.Marshal(d.Incumbent)
	return &deploymentRow{
		ID:             d.ID,
		Kind:           string(d.Target.Kind),
		WorkflowID:     d.Target.WorkflowID,
		FromVersion:    d.FromVersion,
		ToVersion:      d.ToVersion,
		TrafficPercent: d.TrafficPercent,
		Status:         string(d.Status),
		Criteria:       string(criteria),
		CandidateStats: string(cand),
		IncumbentStats: string(inc),
		StartedAt:      d.StartedAt,
		LastStepAt:     d.LastStepAt,
		EndedAt:        d.EndedAt,
		Reason:         d.Reason,
	}, nil
}

func fromDeploymentRow(r deploymentRow) (*Deployment, error) {
	d := &Deployment{
		ID:             r.ID,
		Target:         Target{Kind: Kind(r.Kind), WorkflowID: r.WorkflowID},
		FromVersion:    r.FromVersion,
		ToVersion:      r.ToVersion,
		TrafficPercent: r.TrafficPercent,
		Status:         DeploymentStatus(r.Status),
		StartedAt:      r.StartedAt,
		LastStepAt:     r.LastStepAt,
		EndedAt:        r.EndedAt,
		Reason:         r.Reason,
	}
	for _, f := range []struct {
		raw string
		dst any
	}{
		{r.Criteria, &d.Criteria},
		{r.CandidateStats, &d.Candidate},
		{r.IncumbentStats, &d.Incumbent},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode deployment %s: %w", r.ID, err)
		}
	}
	return d, nil
}
