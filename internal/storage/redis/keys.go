package redis

import "strings"

// All keys are prefixed with "mediajobs:" to avoid collisions.
const keyPrefix = "mediajobs:"

// jobKey returns the Hash key of a job: mediajobs:job:{user}:{job}
func jobKey(userID, jobID string) string {
	return keyPrefix + "job:" + userID + ":" + jobID
}

// userJobsKey returns the Sorted Set of a user's job ids scored by created_at.
func userJobsKey(userID string) string {
	return keyPrefix + "user_jobs:" + userID
}

// pendingKey is the Sorted Set of PENDING jobs scored by updated_at.
const pendingKey = keyPrefix + "pending"

// pendingMember encodes a job reference. Job ids never contain ':' so the last
// separator splits the pair.
func pendingMember(userID, jobID string) string {
	return userID + ":" + jobID
}

func splitPendingMember(member string) (string, string, bool) {
	i := strings.LastIndex(member, ":")
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}
