package container

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/pkg/circuitbreaker"
)

// ProjectPlaceholder is replaced by the project id in a URL template.
const ProjectPlaceholder = "{projectId}"

// StaticConfig configures StaticProjects.
type StaticConfig struct {
	URLTemplate string        // e.g. http://sidecar-{projectId}:8090
	Timeout     time.Duration // per-request timeout (default: 10s)
	Breaker     circuitbreaker.Config
}

// LoadStaticConfigFromEnv loads the sidecar address template from the
// environment.
func LoadStaticConfigFromEnv() StaticConfig {
	return StaticConfig{
		URLTemplate: config.GetEnv("SIDECAR_URL_TEMPLATE", "http://localhost:8090"),
		Timeout:     config.GetDurationEnv("SIDECAR_TIMEOUT", defaultHTTPTimeout),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("SIDECAR_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("SIDECAR_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
}

// StaticProjects resolves projects to sidecars that are already running at
// an address derived from the project id.
type StaticProjects struct {
	template string
	client   *http.Client
	breakers *circuitbreaker.Registry

	mu       sync.Mutex
	projects map[string]*HTTPProject
}

// NewStaticProjects creates a static project cache.
func NewStaticProjects(cfg StaticConfig) (*StaticProjects, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("sidecar URL template is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = IsSidecarFailure
	}
	return &StaticProjects{
		template: cfg.URLTemplate,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		projects: make(map[string]*HTTPProject),
	}, nil
}

// URL returns the sidecar address of a project.
func (s *StaticProjects) URL(projectID string) string {
	return strings.ReplaceAll(s.template, ProjectPlaceholder, projectID)
}

// GetProject implements ProjectCache.
func (s *StaticProjects) GetProject(_ context.Context, projectID string) (ProjectHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		p = NewHTTPProject(s.URL(projectID), s.client, s.breakers.Get(projectID))
		s.projects[projectID] = p
	}
	return p, nil
}

// Breakers returns the per-project circuit breakers.
func (s *StaticProjects) Breakers() *circuitbreaker.Registry {
	return s.breakers
}

var _ ProjectCache = (*StaticProjects)(nil)
