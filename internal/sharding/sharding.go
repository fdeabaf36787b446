package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the system.
// We use 1024 as per the architectural constraints.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// RollbackSubject returns the NATS subject for rollback events scoped to one project.
// Format: app.rollback.{shard_id}.project.{project_id}
func RollbackSubject(projectID string) string {
	return fmt.Sprintf("app.rollback.%d.project.%s", GetShardID(projectID), projectID)
}
