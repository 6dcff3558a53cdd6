package docker

import (
	"sync"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/backend/container"
)

// projectState holds the runtime state of one project sidecar. ready is
// closed once the sidecar is usable or failed to start; err and handle are
// only read after that.
type projectState struct {
	ready chan struct{}
	err   error

	containerID string
	volumeName  string
	handle      *container.HTTPProject

	mu       sync.Mutex
	lastUsed time.Time
	retired  bool
}

func newProjectState() *projectState {
	return &projectState{ready: make(chan struct{}), lastUsed: time.Now()}
}

// started marks a starting sidecar as usable.
func (ps *projectState) started(containerID string, handle *container.HTTPProject) {
	ps.containerID = containerID
	ps.handle = handle
	close(ps.ready)
}

// failed marks a starting sidecar as failed.
func (ps *projectState) failed(err error) {
	ps.err = err
	close(ps.ready)
}

// acquire marks the sidecar as used. It fails once the sidecar was retired
// for being idle.
func (ps *projectState) acquire() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.retired {
		return false
	}
	ps.lastUsed = time.Now()
	return true
}

func (ps *projectState) idleSince() time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastUsed
}

func (ps *projectState) isReady() bool {
	select {
	case <-ps.ready:
		return ps.err == nil
	default:
		return false
	}
}

// stateRepo manages project state with thread-safe access.
type stateRepo struct {
	mu       sync.RWMutex
	projects map[string]*projectState
}

func newStateRepo() *stateRepo {
	return &stateRepo{projects: make(map[string]*projectState)}
}

// getOrReserve returns the state of a project, reserving a new starting
// entry if there is none. created is true for the caller that reserved it.
func (r *stateRepo) getOrReserve(projectID string) (ps *projectState, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ps, ok := r.projects[projectID]; ok {
		return ps, false
	}
	ps = newProjectState()
	r.projects[projectID] = ps
	return ps, true
}

// commit stores the state of a sidecar found at startup.
func (r *stateRepo) commit(projectID string, ps *projectState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[projectID] = ps
}

// release removes a project if its entry is still ps.
func (r *stateRepo) release(projectID string, ps *projectState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.projects[projectID] != ps {
		return false
	}
	delete(r.projects, projectID)
	return true
}

// retire removes an idle project if its entry is still ps and it was not
// acquired since idleSince returned idle. A retired state can no longer be
// acquired.
func (r *stateRepo) retire(projectID string, ps *projectState, idle time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.projects[projectID] != ps {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.lastUsed.Equal(idle) {
		return false
	}
	ps.retired = true
	delete(r.projects, projectID)
	return true
}

func (r *stateRepo) get(projectID string) (*projectState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps, ok := r.projects[projectID]
	return ps, ok
}

// list returns all projects and their states.
func (r *stateRepo) list() map[string]*projectState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*projectState, len(r.projects))
	for id, ps := range r.projects {
		result[id] = ps
	}
	return result
}
