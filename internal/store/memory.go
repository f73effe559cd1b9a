package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mediadub/orchestrator/internal/model"
	"github.com/oklog/ulid/v2"
)

// Memory is an in-process, mutex-guarded implementation of AssetStore,
// JobStore, and SegmentStore, used by tests (Design Note "Broker abstraction" applies equally to storage: production
// runs against Postgres, tests run against this fake).
type Memory struct {
	mu sync.Mutex

	now Clock

	assetsByID  map[int64]*model.Asset
	assetsByExt map[string]int64
	nextAssetID int64

	jobsByID  map[int64]*model.Job
	jobsByExt map[string]int64
	nextJobID int64

	segments map[int64][]model.Segment
}

// NewMemory constructs an empty in-memory store. clock defaults to
// time.Now when nil.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Memory{
		now:         clock,
		assetsByID:  make(map[int64]*model.Asset),
		assetsByExt: make(map[string]int64),
		jobsByID:    make(map[int64]*model.Job),
		jobsByExt:   make(map[string]int64),
		segments:    make(map[int64][]model.Segment),
	}
}

func newExternalID() string {
	return ulid.Make().String()
}

func cloneAsset(a *model.Asset) *model.Asset {
	cp := *a
	cp.TargetLangs = append([]string(nil), a.TargetLangs...)
	cp.StorageKeys = make(map[string]string, len(a.StorageKeys))
	for k, v := range a.StorageKeys {
		cp.StorageKeys[k] = v
	}
	return &cp
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	cp.TargetLangs = append([]string(nil), j.TargetLangs...)
	cp.Presets = make(map[string]string, len(j.Presets))
	for k, v := range j.Presets {
		cp.Presets[k] = v
	}
	cp.StageHistory = make(map[model.Stage]model.StageHistoryEntry, len(j.StageHistory))
	for k, v := range j.StageHistory {
		cp.StageHistory[k] = v
	}
	return &cp
}

func (m *Memory) Create(ctx context.Context, externalID string, userID *string) (*model.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if externalID == "" {
		externalID = newExternalID()
	}
	if _, exists := m.assetsByExt[externalID]; exists {
		return nil, ErrExternalIDExists
	}

	m.nextAssetID++
	now := m.now()
	a := &model.Asset{
		ID:          m.nextAssetID,
		ExternalID:  externalID,
		UserID:      userID,
		StorageKeys: map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.assetsByID[a.ID] = a
	m.assetsByExt[a.ExternalID] = a.ID
	return cloneAsset(a), nil
}

func (m *Memory) GetByExternalID(ctx context.Context, externalID string) (*model.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.assetsByExt[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAsset(m.assetsByID[id]), nil
}

func (m *Memory) GetByID(ctx context.Context, id int64) (*model.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assetsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAsset(a), nil
}

func (m *Memory) SetRawKey(ctx context.Context, assetID int64, rawKey string, sourceLang *string, targetLangs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assetsByID[assetID]
	if !ok {
		return ErrNotFound
	}
	a.StorageKeys["raw"] = rawKey
	if sourceLang != nil {
		a.SourceLang = sourceLang
	}
	if len(targetLangs) > 0 {
		a.TargetLangs = targetLangs
	}
	a.UpdatedAt = m.now()
	return nil
}

func (m *Memory) PopulateTargetLangsIfAbsent(ctx context.Context, assetID int64, targetLangs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assetsByID[assetID]
	if !ok {
		return ErrNotFound
	}
	if len(a.TargetLangs) == 0 {
		a.TargetLangs = targetLangs
		a.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) UpdateStorageKeys(ctx context.Context, assetID int64, additions map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assetsByID[assetID]
	if !ok {
		return ErrNotFound
	}
	for k, v := range additions {
		a.StorageKeys[k] = v
	}
	a.UpdatedAt = m.now()
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, asset *model.Asset, targetLangs []string, presets map[string]string, requestedBy *string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextJobID++
	now := m.now()
	j := &model.Job{
		ID:           m.nextJobID,
		ExternalID:   newExternalID(),
		AssetID:      asset.ID,
		Stage:        model.StageASR,
		Status:       model.StatusPending,
		Progress:     0,
		TargetLangs:  append([]string(nil), targetLangs...),
		Presets:      presets,
		RequestedBy:  requestedBy,
		StageHistory: map[model.Stage]model.StageHistoryEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if j.Presets == nil {
		j.Presets = map[string]string{}
	}
	m.jobsByID[j.ID] = j
	m.jobsByExt[j.ExternalID] = j.ID
	return cloneJob(j), nil
}

func (m *Memory) jobByExternalLocked(externalID string) (*model.Job, error) {
	id, ok := m.jobsByExt[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.jobsByID[id], nil
}

func (m *Memory) GetJobByExternalID(ctx context.Context, externalID string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.jobByExternalLocked(externalID)
	if err != nil {
		return nil, err
	}
	return cloneJob(j), nil
}

func (m *Memory) List(ctx context.Context, page, pageSize int) (Page[*model.Job], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*model.Job, 0, len(m.jobsByID))
	for _, j := range m.jobsByID {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })

	total := len(all)
	start := (page - 1) * pageSize
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	out := make([]*model.Job, 0, end-start)
	for _, j := range all[start:end] {
		out = append(out, cloneJob(j))
	}
	return Page[*model.Job]{Items: out, Total: total, Page: page, PageSize: pageSize}, nil
}

func (m *Memory) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.Status]int{}
	for _, j := range m.jobsByID {
		out[j.Status]++
	}
	return out, nil
}

func (m *Memory) CountRunningByStage(ctx context.Context) (map[model.Stage]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[model.Stage]int{}
	for _, j := range m.jobsByID {
		if j.Status == model.StatusRunning {
			out[j.Stage]++
		}
	}
	return out, nil
}

func (m *Memory) FetchRecent(ctx context.Context, limit int) ([]*model.Job, error) {
	p, err := m.List(ctx, 1, limit)
	if err != nil {
		return nil, err
	}
	return p.Items, nil
}

func (m *Memory) CountActiveForRequester(ctx context.Context, clientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobsByID {
		if j.RequestedBy != nil && *j.RequestedBy == clientID &&
			(j.Status == model.StatusPending || j.Status == model.StatusRunning) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateStage(ctx context.Context, jobID int64, stage model.Stage, status model.Status, progress float64, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobsByID[jobID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()

	if status == model.StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if status.IsTerminal() && j.EndedAt == nil {
		j.EndedAt = &now
	}
	if status == model.StatusFailed {
		s := stage
		j.FailedStage = &s
	}

	j.Stage = stage
	j.Status = status
	j.Progress = progress
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	return nil
}

func (m *Memory) RecordStageHistory(ctx context.Context, jobID int64, stage model.Stage, outcome model.StageOutcome, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobsByID[jobID]
	if !ok {
		return ErrNotFound
	}
	j.StageHistory[stage] = model.StageHistoryEntry{
		Status:    outcome,
		Details:   details,
		UpdatedAt: m.now(),
	}
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateLogsKey(ctx context.Context, jobID int64, key *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobsByID[jobID]
	if !ok {
		return ErrNotFound
	}
	j.LogsKey = key
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ResetForRetry(ctx context.Context, jobID int64, resumeStage model.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobsByID[jobID]
	if !ok {
		return ErrNotFound
	}
	j.FailedStage = nil
	j.ErrorMessage = nil
	j.StartedAt = nil
	j.EndedAt = nil
	j.Stage = resumeStage
	j.Status = model.StatusPending
	j.Progress = 0
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Cancel(ctx context.Context, jobID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobsByID[jobID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	stage := j.Stage
	j.Status = model.StatusCancelled
	j.FailedStage = &stage
	j.Progress = 1.0
	j.EndedAt = &now
	j.UpdatedAt = now
	return nil
}

func (m *Memory) ReplaceSegments(ctx context.Context, jobID int64, segments []model.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.Segment, len(segments))
	copy(cp, segments)
	sort.Slice(cp, func(i, k int) bool { return cp[i].Idx < cp[k].Idx })
	m.segments[jobID] = cp
	return nil
}

func (m *Memory) ListSegments(ctx context.Context, jobID int64) ([]model.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.Segment, len(m.segments[jobID]))
	copy(cp, m.segments[jobID])
	return cp, nil
}

var (
	_ AssetStore   = (*Memory)(nil)
	_ JobStore     = (*Memory)(nil)
	_ SegmentStore = (*Memory)(nil)
)
