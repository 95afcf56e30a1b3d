package accounting

import (
	"context"
	"sync"
)

// ProjectInfo describes a project as known by the identity service.
type ProjectInfo struct {
	Pid       int32
	ProjectID string
	Title     string

	// ParentPid is the pid of the direct parent project (0 for roots).
	ParentPid int32

	// CanConsumeResources reports whether the project consumes resources
	// itself, in which case sub-allocations are restricted to its direct
	// sub-projects.
	CanConsumeResources bool
}

// IdCardService resolves opaque owner references to identity metadata. It is
// an external collaborator; only its call contract matters here.
type IdCardService interface {
	// LookupUidFromUsername resolves a username to a uid.
	LookupUidFromUsername(ctx context.Context, username string) (int32, error)

	// LookupPidFromProjectID resolves a project identifier to a pid.
	LookupPidFromProjectID(ctx context.Context, projectID string) (int32, error)

	// LookupProjectInformation retrieves metadata for a project.
	LookupProjectInformation(ctx context.Context, pid int32) (*ProjectInfo, error)

	// RetrieveProviderProjectPid resolves the pid of a provider's own
	// project.
	RetrieveProviderProjectPid(ctx context.Context, provider string) (int32, error)
}

// ProductCache resolves product category ids. It is an external
// collaborator; only its call contract matters here.
type ProductCache interface {
	// ProductCategory retrieves a category by id. Returns
	// ErrUnknownCategory when the id is not known.
	ProductCategory(ctx context.Context, id int64) (*ProductCategory, error)
}

// StaticIdCardService is an in-memory IdCardService, primarily intended for
// testing and development.
type StaticIdCardService struct {
	mu               sync.RWMutex
	uids             map[string]int32
	pids             map[string]int32
	projects         map[int32]*ProjectInfo
	providerProjects map[string]int32
	nextUID          int32
	nextPID          int32
}

// NewStaticIdCardService creates an empty in-memory identity service.
func NewStaticIdCardService() *StaticIdCardService {
	return &StaticIdCardService{
		uids:             make(map[string]int32),
		pids:             make(map[string]int32),
		projects:         make(map[int32]*ProjectInfo),
		providerProjects: make(map[string]int32),
		nextUID:          1,
		nextPID:          1,
	}
}

// AddUser registers a username and returns its uid.
func (s *StaticIdCardService) AddUser(username string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uid, ok := s.uids[username]; ok {
		return uid
	}
	uid := s.nextUID
	s.nextUID++
	s.uids[username] = uid
	return uid
}

// AddProject registers a project and returns its pid.
func (s *StaticIdCardService) AddProject(projectID, title string, parentPid int32, canConsume bool) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pid, ok := s.pids[projectID]; ok {
		return pid
	}
	pid := s.nextPID
	s.nextPID++
	s.pids[projectID] = pid
	s.projects[pid] = &ProjectInfo{
		Pid:                 pid,
		ProjectID:           projectID,
		Title:               title,
		ParentPid:           parentPid,
		CanConsumeResources: canConsume,
	}
	return pid
}

// SetProviderProject links a provider to its own project.
func (s *StaticIdCardService) SetProviderProject(provider string, pid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerProjects[provider] = pid
}

// LookupUidFromUsername implements IdCardService.
func (s *StaticIdCardService) LookupUidFromUsername(_ context.Context, username string) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uid, ok := s.uids[username]
	if !ok {
		return 0, ErrUnknownOwner
	}
	return uid, nil
}

// LookupPidFromProjectID implements IdCardService.
func (s *StaticIdCardService) LookupPidFromProjectID(_ context.Context, projectID string) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pid, ok := s.pids[projectID]
	if !ok {
		return 0, ErrUnknownOwner
	}
	return pid, nil
}

// LookupProjectInformation implements IdCardService.
func (s *StaticIdCardService) LookupProjectInformation(_ context.Context, pid int32) (*ProjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.projects[pid]
	if !ok {
		return nil, ErrUnknownOwner
	}
	infoCopy := *info
	return &infoCopy, nil
}

// RetrieveProviderProjectPid implements IdCardService.
func (s *StaticIdCardService) RetrieveProviderProjectPid(_ context.Context, provider string) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pid, ok := s.providerProjects[provider]
	if !ok {
		return 0, ErrUnknownOwner
	}
	return pid, nil
}

// StaticProductCache is an in-memory ProductCache, primarily intended for
// testing and development.
type StaticProductCache struct {
	mu         sync.RWMutex
	categories map[int64]*ProductCategory
}

// NewStaticProductCache creates an empty in-memory product cache.
func NewStaticProductCache() *StaticProductCache {
	return &StaticProductCache{categories: make(map[int64]*ProductCategory)}
}

// Add registers a product category.
func (c *StaticProductCache) Add(category ProductCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	categoryCopy := category
	c.categories[category.ID] = &categoryCopy
}

// ProductCategory implements ProductCache.
func (c *StaticProductCache) ProductCategory(_ context.Context, id int64) (*ProductCategory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	category, ok := c.categories[id]
	if !ok {
		return nil, ErrUnknownCategory
	}
	categoryCopy := *category
	return &categoryCopy, nil
}
