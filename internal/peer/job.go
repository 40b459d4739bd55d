package peer

import (
	"time"

	"peerd/internal/wire"
)

// JobStatus is the lifecycle of one user DOWNLOAD command.
type JobStatus int

const (
	JobHandshaking JobStatus = iota
	JobDone
	JobFailed
)

// hashAssignment tracks the provisional source chosen for one requested
// hash, per spec §4.6 step 4.
type hashAssignment struct {
	source string // "" if unassigned
}

// Job is the handshake/source-selection planner for one DOWNLOAD command
// (spec §4.6). ID is used only for log correlation (spec.md never puts
// it on the wire).
type Job struct {
	ID         string
	ChunkFile  string
	OutputFile string

	assignments map[wire.Hash]*hashAssignment
	completed   map[wire.Hash][]byte
	Total       int

	StartedAt     time.Time
	lastBroadcast time.Time
	retries       int
	Status        JobStatus
}

// handshakeWindow is the bounded wait of spec §4.6 step 6 before a
// WHOHAS retry for still-unassigned hashes.
const handshakeWindow = 2 * time.Second

// NewJob starts a job targeting the given missing hashes.
func NewJob(id, chunkFile, outputFile string, missing []wire.Hash, now time.Time) *Job {
	assignments := make(map[wire.Hash]*hashAssignment, len(missing))
	for _, h := range missing {
		assignments[h] = &hashAssignment{}
	}
	return &Job{
		ID:            id,
		ChunkFile:     chunkFile,
		OutputFile:    outputFile,
		assignments:   assignments,
		completed:     make(map[wire.Hash][]byte),
		Total:         len(missing),
		StartedAt:     now,
		lastBroadcast: now,
		Status:        JobHandshaking,
	}
}

// Unassigned returns every hash with no provisional source yet.
func (j *Job) Unassigned() []wire.Hash {
	var out []wire.Hash
	for h, a := range j.assignments {
		if a.source == "" {
			out = append(out, h)
		}
	}
	return out
}

// Assign records source as the provisional responder for hash, unless
// one is already assigned (first announcer wins, spec §4.6 step 4).
// Reports whether this call made the assignment.
func (j *Job) Assign(h wire.Hash, source string) bool {
	a, ok := j.assignments[h]
	if !ok || a.source != "" {
		return false
	}
	a.source = source
	return true
}

// Unassign reverts hash to unassigned, e.g. on DENIED or on an abandoned
// transfer, but only if source is the peer currently holding it.
func (j *Job) Unassign(h wire.Hash, source string) {
	if a, ok := j.assignments[h]; ok && a.source == source {
		a.source = ""
	}
}

// AssignedTo returns the provisional/confirmed source for h, if any.
func (j *Job) AssignedTo(h wire.Hash) (string, bool) {
	a, ok := j.assignments[h]
	if !ok || a.source == "" {
		return "", false
	}
	return a.source, true
}

// Tracks reports whether this job targets h at all.
func (j *Job) Tracks(h wire.Hash) bool {
	_, ok := j.assignments[h]
	return ok
}

// Complete records h as fetched, removing it from the pending set.
func (j *Job) Complete(h wire.Hash, data []byte) {
	delete(j.assignments, h)
	j.completed[h] = data
	if len(j.assignments) == 0 {
		j.Status = JobDone
	}
}

// Pending reports whether any hash is still outstanding.
func (j *Job) Pending() bool { return len(j.assignments) > 0 }

// Completed returns every hash->bytes fetched so far.
func (j *Job) Completed() map[wire.Hash][]byte { return j.completed }

// Outstanding returns the hashes still not fetched, assigned or not.
func (j *Job) Outstanding() []wire.Hash {
	out := make([]wire.Hash, 0, len(j.assignments))
	for h := range j.assignments {
		out = append(out, h)
	}
	return out
}

// DueForRetry reports whether the handshake window has elapsed since the
// last broadcast and there is still something unassigned to retry.
func (j *Job) DueForRetry(now time.Time) bool {
	return len(j.Unassigned()) > 0 && now.Sub(j.lastBroadcast) >= handshakeWindow
}

// RetryOrFail advances the retry counter; it returns false once
// maxHandshakeRetries has been exhausted, at which point the caller
// should mark the job failed instead of broadcasting again.
func (j *Job) RetryOrFail(now time.Time) (shouldBroadcast bool) {
	if j.retries >= maxHandshakeRetries {
		j.Status = JobFailed
		return false
	}
	j.retries++
	j.lastBroadcast = now
	return true
}

// NextDeadline returns when this job should next be checked for a retry.
func (j *Job) NextDeadline() time.Time { return j.lastBroadcast.Add(handshakeWindow) }
