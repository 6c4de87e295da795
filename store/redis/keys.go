package redis

import (
	"fmt"
	"strings"
)

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// ── Job keys ──

// jobKeyPrefix is passed to scripts that address job hashes by ID.
const jobKeyPrefix = keyPrefix + "job:"

// jobKey returns the Hash key for an active job: conveyor:job:{id}
func jobKey(id string) string { return jobKeyPrefix + id }

// waitingKey returns the Sorted Set of waiting jobs in a queue. Scores are
// negated priorities; members are claimMember values, so equal priorities
// fall back to creation time then ID.
func waitingKey(queue string) string { return keyPrefix + "queue:" + queue + ":waiting" }

// executingKey returns the Set of executing job IDs in a queue.
func executingKey(queue string) string { return keyPrefix + "queue:" + queue + ":executing" }

// queuesKey is the Set of every queue name that has seen a job.
const queuesKey = keyPrefix + "queues"

// lastSeenKey is the Sorted Set of executing job IDs scored by the last
// sign of life (claim, start or heartbeat) in milliseconds.
const lastSeenKey = keyPrefix + "executing:last_seen"

// claimMember encodes the claim order tie-breakers: zero-padded creation
// nanos, then the job ID.
func claimMember(createdNanos int64, id string) string {
	if createdNanos < 0 {
		createdNanos = 0
	}
	return fmt.Sprintf("%020d:%s", createdNanos, id)
}

// memberID extracts the job ID from a claimMember value.
func memberID(member string) string {
	if _, after, ok := strings.Cut(member, ":"); ok {
		return after
	}
	return member
}

// ── Archive keys ──

const (
	successesKey  = keyPrefix + "archive:successes"
	successesByAt = keyPrefix + "archive:successes:at"
	failuresKey   = keyPrefix + "archive:failures"
	failuresByAt  = keyPrefix + "archive:failures:at"
)

// ── Group keys ──

// groupsKey is the Set of group references (queue, ID).
const groupsKey = keyPrefix + "groups"

const groupRefSep = "\x1f"

func groupRef(queue, groupID string) string { return queue + groupRefSep + groupID }

func splitGroupRef(ref string) (queue, groupID string) {
	queue, groupID, _ = strings.Cut(ref, groupRefSep)
	return queue, groupID
}

// groupKey returns the Hash key for a group: conveyor:group:{queue}:{id}
func groupKey(queue, groupID string) string {
	return keyPrefix + "group:" + queue + ":" + groupID
}

// pausedKey returns the Set of paused group IDs in a queue.
func pausedKey(queue string) string { return keyPrefix + "queue:" + queue + ":paused" }
