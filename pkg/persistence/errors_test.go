package persistence_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vantagecrm/relay/pkg/persistence"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions match wrapped errors", func(t *testing.T) {
		definitionErr := persistence.NewDefinitionError("ByKey", "deal-review", persistence.ErrDefinitionNotFound)
		instanceErr := persistence.NewInstanceError("CommitStep", "instance-123", persistence.ErrStaleInstanceState)
		taskErr := persistence.NewTaskError("Claim", "task-456", persistence.ErrTaskAlreadyClaimed)

		assert.True(t, persistence.IsDefinitionNotFound(definitionErr))
		assert.True(t, persistence.IsStaleInstanceState(instanceErr))
		assert.True(t, errors.Is(taskErr, persistence.ErrTaskAlreadyClaimed))

		assert.False(t, persistence.IsInstanceNotFound(instanceErr))
		assert.False(t, persistence.IsTaskNotFound(taskErr))
	})

	t.Run("errors unwrap to their sentinel", func(t *testing.T) {
		err := persistence.NewInstanceError("ByID", "instance-123", persistence.ErrInstanceNotFound)

		assert.True(t, errors.Is(err, persistence.ErrInstanceNotFound))
		assert.Equal(t, persistence.ErrInstanceNotFound, errors.Unwrap(err))
	})

	t.Run("definition error contains context", func(t *testing.T) {
		err := persistence.NewDefinitionError("Update", "definition-123", persistence.ErrDefinitionKeyExists)

		assert.Contains(t, err.Error(), "Update")
		assert.Contains(t, err.Error(), "definition-123")
		assert.Contains(t, err.Error(), "key already exists")
	})

	t.Run("branch error contains branch context", func(t *testing.T) {
		err := persistence.NewBranchError("RenewLease", "instance-123", "branch-7", persistence.ErrLeaseLost)

		assert.Contains(t, err.Error(), "RenewLease")
		assert.Contains(t, err.Error(), "instance-123")
		assert.Contains(t, err.Error(), "branch-7")
		assert.Contains(t, err.Error(), "lease lost")
	})
}
