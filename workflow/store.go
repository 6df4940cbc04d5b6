package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/judgeflow/types"
)

// Store 实例与执行记录的持久化。挂起状态随实例记录一起保存。
type Store interface {
	SaveInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// ListActive 返回所有非终态实例，用于重启恢复与定时扫描
	ListActive(ctx context.Context) ([]*Instance, error)
	AppendExecution(ctx context.Context, exec *NodeExecution) error
	ListExecutions(ctx context.Context, instanceID string) ([]*NodeExecution, error)
}

// MemoryStore 进程内存储。实例以 JSON 保存，读出的总是独立副本。
type MemoryStore struct {
	mu         sync.RWMutex
	instances  map[string][]byte
	executions map[string][]*NodeExecution
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:  make(map[string][]byte),
		executions: make(map[string][]*NodeExecution),
	}
}

func (s *MemoryStore) SaveInstance(_ context.Context, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance %s: %w", inst.ID, err)
	}
	s.mu.Lock()
	s.instances[inst.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	data, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFoundError("workflow instance", id)
	}
	return decodeInstance(data)
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0)
	for _, data := range s.instances {
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		if !inst.Status.Terminal() {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendExecution(_ context.Context, exec *NodeExecution) error {
	cp := *exec
	s.mu.Lock()
	s.executions[exec.InstanceID] = append(s.executions[exec.InstanceID], &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, instanceID string) ([]*NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.executions[instanceID]
	out := make([]*NodeExecution, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func decodeInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	inst.ensureMaps()
	return &inst, nil
}
