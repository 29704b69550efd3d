package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/g-k/telemetry-analysis-service/internal/jobs"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

// fileStore keeps the whole dataset in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of mutations)
//
// The journal is compacted into the snapshot every compactEvery writes and on
// Close. A single mutex makes every operation atomic.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int

	state fileState
}

type fileState struct {
	Jobs   map[string]*jobs.Definition `json:"jobs"`
	Runs   map[string]*jobs.Run        `json:"runs"`
	Grants map[string]jobs.Grant       `json:"grants"` // jobID + "/" + userID
}

type journalRecord struct {
	Op    string           `json:"op"`
	ID    string           `json:"id,omitempty"`
	Job   *jobs.Definition `json:"job,omitempty"`
	Run   *jobs.Run        `json:"run,omitempty"`
	Grant *jobs.Grant      `json:"grant,omitempty"`
}

const (
	opPutJob   = "put_job"
	opDelJob   = "del_job"
	opPutRun   = "put_run"
	opPutGrant = "put_grant"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 500,
		state:        newFileState(),
	}
	if err := loadSnapshot(s.snapshotPath, &s.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	replayed, err := replayJournal(journalPath, &s.state)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	if replayed > 0 {
		if err := s.compactLocked(); err != nil {
			log.Warn("storage compact failed", logx.Err(err))
		}
	}
	return s, nil
}

func newFileState() fileState {
	return fileState{
		Jobs:   map[string]*jobs.Definition{},
		Runs:   map[string]*jobs.Run{},
		Grants: map[string]jobs.Grant{},
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("storage closed")
	}
	return nil
}

// ---- jobs ----

func (s *fileStore) CreateJob(_ context.Context, d *jobs.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Jobs[d.ID]; ok {
		return &jobs.ConflictError{Kind: jobs.ConflictStale, JobID: d.ID}
	}
	if s.identifierTakenLocked(d.Identifier, "") {
		return &jobs.ConflictError{Kind: jobs.ConflictIdentifier, Identifier: d.Identifier}
	}
	cp := d.Clone()
	return s.applyLocked(journalRecord{Op: opPutJob, Job: cp})
}

func (s *fileStore) UpdateJob(_ context.Context, d *jobs.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Jobs[d.ID]
	if !ok {
		return jobs.ErrNotFound
	}
	if s.identifierTakenLocked(d.Identifier, d.ID) {
		return &jobs.ConflictError{Kind: jobs.ConflictIdentifier, Identifier: d.Identifier}
	}
	cp := d.Clone()
	cp.LastRunAt = cur.LastRunAt
	cp.CreatedAt = cur.CreatedAt
	return s.applyLocked(journalRecord{Op: opPutJob, Job: cp})
}

func (s *fileStore) SetSchedule(_ context.Context, jobID string, st ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}
	cp := cur.Clone()
	cp.LastRunAt = st.LastRunAt
	cp.NextRunAt = st.NextRunAt
	cp.Enabled = st.Enabled
	cp.UpdatedAt = time.Now().UTC()
	return s.applyLocked(journalRecord{Op: opPutJob, Job: cp.Clone()})
}

func (s *fileStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Jobs[id]; !ok {
		return jobs.ErrNotFound
	}
	if s.activeRunLocked(id) != nil {
		return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: id}
	}
	return s.applyLocked(journalRecord{Op: opDelJob, ID: id})
}

func (s *fileStore) GetJob(_ context.Context, id string) (*jobs.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.state.Jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *fileStore) ListJobs(_ context.Context, q JobQuery) ([]*jobs.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobs.Definition, 0, len(s.state.Jobs))
	for _, d := range s.state.Jobs {
		if q.OwnerID != "" && d.OwnerID != q.OwnerID {
			if !q.IncludeGranted {
				continue
			}
			if _, ok := s.state.Grants[grantKey(d.ID, q.OwnerID)]; !ok {
				continue
			}
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) ListDueJobs(_ context.Context, now time.Time) ([]*jobs.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Definition
	for _, d := range s.state.Jobs {
		if d.Enabled && d.NextRunAt != nil && !d.NextRunAt.After(now) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRunAt.Equal(*out[j].NextRunAt) {
			return out[i].NextRunAt.Before(*out[j].NextRunAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fileStore) Identifiers(_ context.Context, prefix, excludeID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, d := range s.state.Jobs {
		if id == excludeID {
			continue
		}
		if d.Identifier == prefix || strings.HasPrefix(d.Identifier, prefix+"-") {
			out = append(out, d.Identifier)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) identifierTakenLocked(ident, excludeID string) bool {
	for id, d := range s.state.Jobs {
		if id != excludeID && d.Identifier == ident {
			return true
		}
	}
	return false
}

// ---- runs ----

func (s *fileStore) CreateRun(_ context.Context, r *jobs.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Jobs[r.JobID]; !ok {
		return jobs.ErrNotFound
	}
	if _, ok := s.state.Runs[r.ID]; ok {
		return &jobs.ConflictError{Kind: jobs.ConflictStale, JobID: r.JobID}
	}
	for _, cur := range s.state.Runs {
		if cur.JobID == r.JobID && cur.Attempt == r.Attempt && cur.OccurrenceAt.Equal(r.OccurrenceAt) {
			return &jobs.ConflictError{Kind: jobs.ConflictOccurrence, JobID: r.JobID}
		}
	}
	if r.Status.Active() && s.activeRunLocked(r.JobID) != nil {
		return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: r.JobID}
	}
	return s.applyLocked(journalRecord{Op: opPutRun, Run: r.Clone()})
}

func (s *fileStore) UpdateRun(_ context.Context, r *jobs.Run, from jobs.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.state.Runs[r.ID]
	if !ok {
		return jobs.ErrNotFound
	}
	if cur.Status != from {
		return &jobs.ConflictError{Kind: jobs.ConflictStale, JobID: r.JobID}
	}
	if r.Status.Active() && !from.Active() {
		if other := s.activeRunLocked(r.JobID); other != nil && other.ID != r.ID {
			return &jobs.ConflictError{Kind: jobs.ConflictActiveRun, JobID: r.JobID}
		}
	}
	return s.applyLocked(journalRecord{Op: opPutRun, Run: r.Clone()})
}

func (s *fileStore) GetRun(_ context.Context, id string) (*jobs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.Runs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *fileStore) ActiveRun(_ context.Context, jobID string) (*jobs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.activeRunLocked(jobID)
	if r == nil {
		return nil, jobs.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *fileStore) activeRunLocked(jobID string) *jobs.Run {
	for _, r := range s.state.Runs {
		if r.JobID == jobID && r.Status.Active() {
			return r
		}
	}
	return nil
}

func (s *fileStore) ListRuns(_ context.Context, q RunQuery) ([]*jobs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobs.Run
	for _, r := range s.state.Runs {
		if q.JobID != "" && r.JobID != q.JobID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, r.Status) {
			continue
		}
		if q.Unterminated && (!r.Status.Terminal() || r.ClusterRef == "" || r.ClusterTerminated) {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRunsNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortRunsNewestFirst(rs []*jobs.Run) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}

// ---- grants ----

func grantKey(jobID, userID string) string { return jobID + "/" + userID }

func (s *fileStore) PutGrant(_ context.Context, g jobs.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Jobs[g.JobID]; !ok {
		return jobs.ErrNotFound
	}
	return s.applyLocked(journalRecord{Op: opPutGrant, Grant: &g})
}

func (s *fileStore) ListGrants(_ context.Context, jobID string) ([]jobs.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jobs.Grant
	for _, g := range s.state.Grants {
		if g.JobID == jobID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ---- persistence ----

// applyLocked journals rec and then mutates the in-memory state. A failed
// journal write leaves the state untouched.
func (s *fileStore) applyLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("storage closed")
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.state.apply(rec)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(rec journalRecord) {
	switch rec.Op {
	case opPutJob:
		if rec.Job != nil {
			st.Jobs[rec.Job.ID] = rec.Job
		}
	case opDelJob:
		delete(st.Jobs, rec.ID)
		for k, g := range st.Grants {
			if g.JobID == rec.ID {
				delete(st.Grants, k)
			}
		}
	case opPutRun:
		if rec.Run != nil {
			st.Runs[rec.Run.ID] = rec.Run
		}
	case opPutGrant:
		if rec.Grant != nil {
			st.Grants[grantKey(rec.Grant.JobID, rec.Grant.UserID)] = *rec.Grant
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, st *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileState
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Jobs {
		st.Jobs[k] = v
	}
	for k, v := range snap.Runs {
		st.Runs[k] = v
	}
	for k, v := range snap.Grants {
		st.Grants[k] = v
	}
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn last
// line from a crash is skipped.
func replayJournal(path string, st *fileState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		st.apply(rec)
		n++
	}
	return n, sc.Err()
}
