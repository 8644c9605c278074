package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow definitions: the logical identity of a workflow
			CREATE TABLE workflow_definitions (
				id UUID PRIMARY KEY,
				key VARCHAR(255) NOT NULL UNIQUE,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				entity_type VARCHAR(100) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'archived')),
				current_version_id UUID,
				priority INT NOT NULL DEFAULT 0,
				max_concurrent_instances INT NOT NULL DEFAULT 0,
				default_timeout_minutes INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_definitions_status ON workflow_definitions(status);
			CREATE INDEX idx_workflow_definitions_entity_type ON workflow_definitions(entity_type);

			-- Workflow versions: immutable graph snapshots once published
			CREATE TABLE workflow_versions (
				id UUID PRIMARY KEY,
				definition_id UUID NOT NULL REFERENCES workflow_definitions(id) ON DELETE CASCADE,
				number INT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'published', 'archived')),
				nodes JSONB NOT NULL DEFAULT '[]',
				transitions JSONB NOT NULL DEFAULT '[]',
				layout JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (definition_id, number)
			);

			CREATE INDEX idx_workflow_versions_definition_id ON workflow_versions(definition_id);

			-- Workflow instances: one execution of a version against one entity.
			-- claim_ready and wake_at are denormalized scheduling hints
			-- recomputed on every commit so the worker claim scan stays a
			-- plain indexed query.
			CREATE TABLE workflow_instances (
				id UUID PRIMARY KEY,
				definition_id UUID NOT NULL,
				version_id UUID NOT NULL,
				entity_type VARCHAR(100) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				trigger_event VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				branches JSONB NOT NULL DEFAULT '[]',
				input JSONB,
				state JSONB,
				output JSONB,
				priority INT NOT NULL DEFAULT 0,
				revision BIGINT NOT NULL DEFAULT 0,
				sequence INT NOT NULL DEFAULT 0,
				join_arrivals JSONB,
				is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
				cancel_reason TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT '',
				error_trace TEXT NOT NULL DEFAULT '',
				parent_id UUID,
				parent_branch_id VARCHAR(255),
				scheduled_at TIMESTAMP WITH TIME ZONE,
				timeout_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				claim_ready BOOLEAN NOT NULL DEFAULT FALSE,
				wake_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_instances_definition_id ON workflow_instances(definition_id);
			CREATE INDEX idx_workflow_instances_entity ON workflow_instances(entity_type, entity_id);
			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_claim ON workflow_instances(claim_ready, wake_at)
				WHERE status NOT IN ('completed', 'failed', 'cancelled', 'timed_out', 'paused');

			-- Node execution history, append-only
			CREATE TABLE workflow_node_instances (
				id UUID PRIMARY KEY,
				instance_id UUID NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				node_key VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				execution_sequence INT NOT NULL,
				attempt INT NOT NULL DEFAULT 1,
				worker_id VARCHAR(255) NOT NULL DEFAULT '',
				output JSONB,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				UNIQUE (instance_id, execution_sequence)
			);

			CREATE INDEX idx_workflow_node_instances_instance_id ON workflow_node_instances(instance_id);

			-- Human tasks
			CREATE TABLE workflow_tasks (
				id UUID PRIMARY KEY,
				instance_id UUID NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				branch_id VARCHAR(255) NOT NULL,
				node_key VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'claimed', 'completed')),
				assignee_user_id VARCHAR(255) NOT NULL DEFAULT '',
				assignee_group_id VARCHAR(255) NOT NULL DEFAULT '',
				assignee_role VARCHAR(255) NOT NULL DEFAULT '',
				priority INT NOT NULL DEFAULT 0,
				due_at TIMESTAMP WITH TIME ZONE,
				form_schema JSONB,
				form_data JSONB,
				actions JSONB,
				claimed_by VARCHAR(255) NOT NULL DEFAULT '',
				claimed_at TIMESTAMP WITH TIME ZONE,
				completed_by VARCHAR(255) NOT NULL DEFAULT '',
				completed_at TIMESTAMP WITH TIME ZONE,
				output JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_tasks_instance_id ON workflow_tasks(instance_id);
			CREATE INDEX idx_workflow_tasks_status ON workflow_tasks(status);
			CREATE INDEX idx_workflow_tasks_assignee_user ON workflow_tasks(assignee_user_id);
			CREATE INDEX idx_workflow_tasks_assignee_group ON workflow_tasks(assignee_group_id);
			CREATE INDEX idx_workflow_tasks_assignee_role ON workflow_tasks(assignee_role);

			-- Append-only audit log
			CREATE TABLE workflow_logs (
				id UUID PRIMARY KEY,
				instance_id UUID NOT NULL,
				node_key VARCHAR(255) NOT NULL DEFAULT '',
				kind VARCHAR(100) NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				details JSONB,
				actor VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_logs_instance_id ON workflow_logs(instance_id, created_at);
		`,
	}
}
