package canary

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/judgeflow/types"
)

// Store 灰度数据持久化接口
type Store interface {
	SaveVersion(ctx context.Context, v *Version) error
	ListVersions(ctx context.Context) ([]*Version, error)

	SavePointer(ctx context.Context, target Target, p Pointer) error
	LoadPointers(ctx context.Context) (map[Target]Pointer, error)

	SaveDeployment(ctx context.Context, d *Deployment) error
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	ListDeployments(ctx context.Context) ([]*Deployment, error)

	AppendAudit(ctx context.Context, rec AuditRecord) error
	ListAudit(ctx context.Context, deploymentID string) ([]AuditRecord, error)
}

// MemoryStore 内存实现，用于测试和单机运行
type MemoryStore struct {
	mu          sync.RWMutex
	versions    map[string]*Version
	pointers    map[Target]Pointer
	deployments map[string]*Deployment
	audit       []AuditRecord
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:    make(map[string]*Version),
		pointers:    make(map[Target]Pointer),
		deployments: make(map[string]*Deployment),
	}
}

func (s *MemoryStore) SaveVersion(_ context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; ok {
		return types.NewError(types.ErrConflict, "version "+v.ID+" already exists")
	}
	cp := *v
	s.versions[v.ID] = &cp
	return nil
}

func (s *MemoryStore) ListVersions(_ context.Context) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Version, 0, len(s.versions))
	for _, v := range s.versions {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SavePointer(_ context.Context, target Target, p Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[target] = p
	return nil
}

func (s *MemoryStore) LoadPointers(_ context.Context) (map[Target]Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Target]Pointer, len(s.pointers))
	for k, v := range s.pointers {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SaveDeployment(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d.clone()
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, id string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, types.NewNotFoundError("deployment", id)
	}
	return d.clone(), nil
}

func (s *MemoryStore) ListDeployments(_ context.Context) ([]*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, deploymentID string) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditRecord
	for _, r := range s.audit {
		if deploymentID == "" || r.DeploymentID == deploymentID {
			out = append(out, r)
		}
	}
	return out, nil
}
