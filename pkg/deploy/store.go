package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists endpoint and deployment records. State lives in memory and
// is mirrored to a JSON file when a path is configured, so a restarted
// controller keeps its endpoint inventory.
type Store struct {
	path        string
	mu          sync.RWMutex
	endpoints   map[string]*Endpoint
	deployments map[string]map[string]*Deployment
	events      map[string][]Event
}

type persistContainer struct {
	Endpoints   []*Endpoint        `json:"endpoints"`
	Deployments []*Deployment      `json:"deployments"`
	Events      map[string][]Event `json:"events"`
}

// NewStore loads existing state from path, if present. An empty path keeps
// the store purely in memory.
func NewStore(path string) (*Store, error) {
	s := &Store{
		path:        path,
		endpoints:   make(map[string]*Endpoint),
		deployments: make(map[string]map[string]*Deployment),
		events:      make(map[string][]Event),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := json.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse deploy store: %w", err)
	}
	for _, endpoint := range container.Endpoints {
		s.endpoints[endpoint.Name] = endpoint
	}
	for _, deployment := range container.Deployments {
		byName := s.deployments[deployment.EndpointName]
		if byName == nil {
			byName = make(map[string]*Deployment)
			s.deployments[deployment.EndpointName] = byName
		}
		byName[deployment.Name] = deployment
	}
	if container.Events != nil {
		s.events = container.Events
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	container := persistContainer{Events: s.events}
	for _, endpoint := range s.endpoints {
		container.Endpoints = append(container.Endpoints, endpoint)
	}
	for _, byName := range s.deployments {
		for _, deployment := range byName {
			container.Deployments = append(container.Deployments, deployment)
		}
	}
	payload, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// GetEndpoint returns a copy of the named endpoint.
func (s *Store) GetEndpoint(name string) (*Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, ok := s.endpoints[name]
	if !ok {
		return nil, false
	}
	copied := *endpoint
	return &copied, true
}

// PutEndpoint inserts or replaces an endpoint record, assigning an id and
// timestamps on first insert.
func (s *Store) PutEndpoint(endpoint *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if endpoint.ID == "" {
		endpoint.ID = uuid.NewString()
		endpoint.CreatedAt = now
	}
	endpoint.UpdatedAt = now
	s.endpoints[endpoint.Name] = endpoint
	return s.save()
}

// UpdateEndpoint applies fn to the named endpoint under the store lock.
func (s *Store) UpdateEndpoint(name string, fn func(e *Endpoint) error) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[name]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", name)
	}
	if err := fn(endpoint); err != nil {
		return nil, err
	}
	endpoint.UpdatedAt = time.Now().UTC()
	if err := s.save(); err != nil {
		return nil, err
	}
	copied := *endpoint
	return &copied, nil
}

// GetDeployment returns a copy of one deployment.
func (s *Store) GetDeployment(endpointName, name string) (*Deployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deployment, ok := s.deployments[endpointName][name]
	if !ok {
		return nil, false
	}
	copied := *deployment
	return &copied, true
}

// ListDeployments returns all deployments under an endpoint.
func (s *Store) ListDeployments(endpointName string) []Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := s.deployments[endpointName]
	result := make([]Deployment, 0, len(byName))
	for _, deployment := range byName {
		result = append(result, *deployment)
	}
	return result
}

// PutDeployment inserts or replaces a deployment record.
func (s *Store) PutDeployment(deployment *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
		deployment.CreatedAt = now
	}
	deployment.UpdatedAt = now
	byName := s.deployments[deployment.EndpointName]
	if byName == nil {
		byName = make(map[string]*Deployment)
		s.deployments[deployment.EndpointName] = byName
	}
	byName[deployment.Name] = deployment
	return s.save()
}

// UpdateDeployment applies fn to one deployment under the store lock.
func (s *Store) UpdateDeployment(endpointName, name string, fn func(d *Deployment) error) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deployment, ok := s.deployments[endpointName][name]
	if !ok {
		return nil, fmt.Errorf("deployment %s/%s not found", endpointName, name)
	}
	if err := fn(deployment); err != nil {
		return nil, err
	}
	deployment.UpdatedAt = time.Now().UTC()
	if err := s.save(); err != nil {
		return nil, err
	}
	copied := *deployment
	return &copied, nil
}

// AppendEvent records rollout progress for an endpoint.
func (s *Store) AppendEvent(endpointName, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[endpointName] = append(s.events[endpointName], Event{
		ID:           uuid.NewString(),
		EndpointName: endpointName,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	})
	_ = s.save()
}

// Events returns the recorded rollout history for an endpoint.
func (s *Store) Events(endpointName string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events[endpointName]...)
}
