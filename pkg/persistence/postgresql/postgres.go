// Package postgresql provides the PostgreSQL persistence implementation for
// workflow definitions, versions, instances, tasks and audit logs.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/vantagecrm/relay/pkg/persistence"
	"github.com/vantagecrm/relay/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	definitionRepo   *DefinitionRepository
	versionRepo      *VersionRepository
	instanceRepo     *InstanceRepository
	nodeInstanceRepo *NodeInstanceRepository
	taskRepo         *TaskRepository
	logRepo          *LogRepository
}

// NewPersistence connects to PostgreSQL and runs pending schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:               database,
		logger:           logger,
		definitionRepo:   NewDefinitionRepository(database, logger),
		versionRepo:      NewVersionRepository(database, logger),
		instanceRepo:     NewInstanceRepository(database, logger),
		nodeInstanceRepo: NewNodeInstanceRepository(database, logger),
		taskRepo:         NewTaskRepository(database, logger),
		logRepo:          NewLogRepository(database, logger),
	}, nil
}

func (p *Persistence) Definitions() persistence.DefinitionRepository     { return p.definitionRepo }
func (p *Persistence) Versions() persistence.VersionRepository           { return p.versionRepo }
func (p *Persistence) Instances() persistence.InstanceRepository         { return p.instanceRepo }
func (p *Persistence) NodeInstances() persistence.NodeInstanceRepository { return p.nodeInstanceRepo }
func (p *Persistence) Tasks() persistence.TaskRepository                 { return p.taskRepo }
func (p *Persistence) Logs() persistence.LogRepository                   { return p.logRepo }

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
