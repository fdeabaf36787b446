package rollback

import "context"

// claimActivity atomically transitions one activity from completed to
// rolled_back and reports whether this caller won the transition. It is both
// the status check and the mutual-exclusion lock: the row lock taken by the
// conditional update serializes concurrent claimants, and the loser's update
// matches zero rows. It must run inside the same transaction as the
// interpreter so a failed rollback releases the claim.
func claimActivity(ctx context.Context, q Querier, activityID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE agent_activities SET status = $2 WHERE id = $1 AND status = $3`,
		activityID, StatusRolledBack, StatusCompleted,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
