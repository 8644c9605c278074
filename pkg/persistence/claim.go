package persistence

import (
	"time"

	"github.com/vantagecrm/relay/pkg/models"
)

// ClaimTarget returns the branch a worker should take from the instance at
// the given time, or nil when no work is due. An expired instance deadline
// makes the instance claimable even when every branch is suspended, so a
// worker can finalize the timeout. Backends share this rule so a claim means
// the same thing everywhere.
func ClaimTarget(instance *models.WorkflowInstance, now time.Time) *models.Branch {
	if branch := instance.ClaimableBranch(now); branch != nil {
		return branch
	}

	if instance.Status.IsTerminal() || instance.Status == models.InstanceStatusPaused {
		return nil
	}

	if !instance.TimedOutAt(now) {
		return nil
	}

	for _, branch := range instance.Branches {
		leased := branch.Status == models.BranchStatusRunning &&
			branch.LeaseExpiresAt != nil && now.Before(*branch.LeaseExpiresAt)
		if !leased {
			return branch
		}
	}

	return nil
}
