// Package memory provides an in-memory persistence implementation used by
// tests and local development. Records are deep-copied on the way in and out
// so callers never share state with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vantagecrm/relay/pkg/models"
	"github.com/vantagecrm/relay/pkg/persistence"
)

// Store holds all records behind a single mutex. The mutex stands in for the
// row-level atomicity a database backend provides.
type Store struct {
	mu sync.Mutex

	definitions   map[string]*models.WorkflowDefinition
	versions      map[string]*models.WorkflowVersion
	instances     map[string]*models.WorkflowInstance
	nodeInstances map[string][]*models.WorkflowNodeInstance
	tasks         map[string]*models.WorkflowTask
	logs          map[string][]*models.WorkflowLog

	instanceOrder []string // Creation order, for deterministic listings
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		definitions:   make(map[string]*models.WorkflowDefinition),
		versions:      make(map[string]*models.WorkflowVersion),
		instances:     make(map[string]*models.WorkflowInstance),
		nodeInstances: make(map[string][]*models.WorkflowNodeInstance),
		tasks:         make(map[string]*models.WorkflowTask),
		logs:          make(map[string][]*models.WorkflowLog),
	}
}

func (s *Store) Definitions() persistence.DefinitionRepository     { return &definitionRepository{s} }
func (s *Store) Versions() persistence.VersionRepository           { return &versionRepository{s} }
func (s *Store) Instances() persistence.InstanceRepository         { return &instanceRepository{s} }
func (s *Store) NodeInstances() persistence.NodeInstanceRepository { return &nodeInstanceRepository{s} }
func (s *Store) Tasks() persistence.TaskRepository                 { return &taskRepository{s} }
func (s *Store) Logs() persistence.LogRepository                   { return &logRepository{s} }

func (s *Store) HealthCheck(_ context.Context) error { return nil }

func (s *Store) Close(_ context.Context) error { return nil }

// clone deep-copies a record through JSON. All stored models are built from
// JSON-serializable fields.
func clone[T any](value T) T {
	data, err := json.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}

	var out T

	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("memory store clone: %v", err))
	}

	return out
}
