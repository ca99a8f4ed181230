package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/oriys/procflow/internal/domain"
)

// MemoryStore 是 Store 的内存实现，用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	programs  map[string]*ProgramRecord
	instances map[string]*domain.Instance
	runtimes  map[string][]byte
	jobs      map[string]*domain.Job
	incidents map[string]*domain.Incident
	events    map[string][]domain.Event
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs:  make(map[string]*ProgramRecord),
		instances: make(map[string]*domain.Instance),
		runtimes:  make(map[string][]byte),
		jobs:      make(map[string]*domain.Job),
		incidents: make(map[string]*domain.Incident),
		events:    make(map[string][]domain.Event),
	}
}

// SaveProgram 保存部署记录。
func (s *MemoryStore) SaveProgram(_ context.Context, rec *ProgramRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.programs[rec.Version] = &cp
	return nil
}

// GetProgram 按版本获取部署记录。
func (s *MemoryStore) GetProgram(_ context.Context, version string) (*ProgramRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.programs[version]
	if !ok {
		return nil, domain.ErrUnknownProgram
	}
	cp := *rec
	return &cp, nil
}

// ListPrograms 列出全部部署记录。
func (s *MemoryStore) ListPrograms(_ context.Context) ([]*ProgramRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ProgramRecord, 0, len(s.programs))
	for _, rec := range s.programs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeployedAt.Before(out[j].DeployedAt) })
	return out, nil
}

// SaveInstance 保存实例。
func (s *MemoryStore) SaveInstance(_ context.Context, inst *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	cp.Flags = inst.Flags.Clone()
	s.instances[inst.ID] = &cp
	return nil
}

// GetInstance 按标识获取实例。
func (s *MemoryStore) GetInstance(_ context.Context, id string) (*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, domain.ErrUnknownInstance
	}
	cp := *inst
	cp.Flags = inst.Flags.Clone()
	return &cp, nil
}

// ListInstances 列出实例。
func (s *MemoryStore) ListInstances(_ context.Context, processKey string, limit int) ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Instance
	for _, inst := range s.instances {
		if processKey != "" && inst.ProcessKey != processKey {
			continue
		}
		cp := *inst
		cp.Flags = inst.Flags.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveRuntimeState 保存实例运行时快照。
func (s *MemoryStore) SaveRuntimeState(_ context.Context, instanceID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[instanceID] = append([]byte(nil), snapshot...)
	return nil
}

// GetRuntimeState 获取实例运行时快照。
func (s *MemoryStore) GetRuntimeState(_ context.Context, instanceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.runtimes[instanceID]
	if !ok {
		return nil, domain.ErrUnknownInstance
	}
	return append([]byte(nil), snap...), nil
}

// SaveJob 保存任务。
func (s *MemoryStore) SaveJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.Flags = job.Flags.Clone()
	s.jobs[job.Key] = &cp
	return nil
}

// GetJob 按任务键获取任务。
func (s *MemoryStore) GetJob(_ context.Context, key string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, domain.ErrUnknownJob
	}
	cp := *job
	cp.Flags = job.Flags.Clone()
	return &cp, nil
}

// ListOpenJobs 列出全部未决任务。
func (s *MemoryStore) ListOpenJobs(_ context.Context) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Job
	for _, job := range s.jobs {
		if job.State != domain.JobStateOpen {
			continue
		}
		cp := *job
		cp.Flags = job.Flags.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveIncident 保存故障单。
func (s *MemoryStore) SaveIncident(_ context.Context, inc *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inc
	s.incidents[inc.ID] = &cp
	return nil
}

// GetIncident 按标识获取故障单。
func (s *MemoryStore) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, domain.ErrUnknownIncident
	}
	cp := *inc
	return &cp, nil
}

// ListOpenIncidents 列出未决故障单。
func (s *MemoryStore) ListOpenIncidents(_ context.Context, instanceID string) ([]*domain.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Incident
	for _, inc := range s.incidents {
		if !inc.IsOpen() {
			continue
		}
		if instanceID != "" && inc.InstanceID != instanceID {
			continue
		}
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// AppendEvent 追加事件。
func (s *MemoryStore) AppendEvent(_ context.Context, ev *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], *ev)
	return nil
}

// ListEvents 列出实例事件。
func (s *MemoryStore) ListEvents(_ context.Context, instanceID string, fromSeq int64) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.events[instanceID]
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq >= int64(len(list)) {
		return nil, nil
	}
	out := make([]domain.Event, len(list)-int(fromSeq))
	copy(out, list[fromSeq:])
	return out, nil
}

// Ping 内存存储总是可达。
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close 内存存储无需释放资源。
func (s *MemoryStore) Close() error { return nil }
