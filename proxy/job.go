package proxy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prlxnet/xhash-proxy/rpc"
	"github.com/prlxnet/xhash-proxy/util"
)

// Job is an immutable unit of getwork handed out to miners.
type Job struct {
	JobID      string
	HeaderHash string
	SeedHash   string
	Boundary   string
	CreatedAt  time.Time
}

// SubmitResult is the enumerated outcome of forwarding a solution upstream.
type SubmitResult int

const (
	SubmitAccepted SubmitResult = iota
	SubmitRejected
	SubmitError
)

// SubmitOutcome carries both the enumerated result and a detail string for
// error reporting and logging.
type SubmitOutcome struct {
	Result SubmitResult
	Detail string
}

const maxCachedJobs = 20

// JobManager owns the job cache and the current-job pointer. It is the
// single writer (the poll loop); sessions only read through FindJob and
// submit through SubmitSolution.
type JobManager struct {
	rpc *rpc.Client

	mu         sync.RWMutex
	jobs       map[string]*Job
	byHeader   map[string]*Job
	currentJob *Job
	counter    int64
}

// NewJobManager builds a JobManager against the given upstream client.
func NewJobManager(client *rpc.Client) *JobManager {
	return &JobManager{
		rpc:      client,
		jobs:     make(map[string]*Job),
		byHeader: make(map[string]*Job),
	}
}

// PollWork checks the upstream for new work. It returns the new Job when the
// header hash changed, or nil if there is no change (including when the
// upstream call itself failed or returned an incomplete result).
func (jm *JobManager) PollWork() *Job {
	result := jm.rpc.GetWork()
	if len(result) < 3 {
		return nil
	}
	headerHash, seedHash, boundary := result[0], result[1], result[2]

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.currentJob != nil && jm.currentJob.HeaderHash == headerHash {
		return nil
	}

	jm.counter++
	job := &Job{
		JobID:      util.ToHex(jm.counter),
		HeaderHash: headerHash,
		SeedHash:   seedHash,
		Boundary:   boundary,
		CreatedAt:  time.Now(),
	}

	jm.jobs[job.JobID] = job
	jm.byHeader[strings.ToLower(headerHash)] = job
	jm.currentJob = job
	jm.evictLocked()

	return job
}

// evictLocked prunes jm.jobs/jm.byHeader down to maxCachedJobs entries,
// dropping the smallest job-id numerically. Caller must hold jm.mu.
func (jm *JobManager) evictLocked() {
	if len(jm.jobs) <= maxCachedJobs {
		return
	}
	type idJob struct {
		n int64
		j *Job
	}
	all := make([]idJob, 0, len(jm.jobs))
	for _, j := range jm.jobs {
		n, _ := strconv.ParseInt(strings.TrimPrefix(j.JobID, "0x"), 16, 64)
		all = append(all, idJob{n, j})
	}
	excess := len(all) - maxCachedJobs
	for excess > 0 {
		oldestIdx := 0
		for i := range all {
			if all[i].n < all[oldestIdx].n {
				oldestIdx = i
			}
		}
		victim := all[oldestIdx]
		delete(jm.jobs, victim.j.JobID)
		delete(jm.byHeader, strings.ToLower(victim.j.HeaderHash))
		all = append(all[:oldestIdx], all[oldestIdx+1:]...)
		excess--
	}
}

// CurrentJob returns the most recently polled Job, or nil before the first
// successful poll.
func (jm *JobManager) CurrentJob() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.currentJob
}

// FindJob looks a job up by jobID if non-empty, else by headerHash
// (case-insensitive). Returns nil if neither is provided or nothing
// matches.
func (jm *JobManager) FindJob(jobID, headerHash string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	if jobID != "" {
		if j, ok := jm.jobs[jobID]; ok {
			return j
		}
		return nil
	}
	if headerHash != "" {
		return jm.byHeader[strings.ToLower(headerHash)]
	}
	return nil
}

// SubmitSolution normalizes each hex argument to a "0x"-prefixed form and
// forwards the solution upstream.
func (jm *JobManager) SubmitSolution(nonce, headerHash, mixDigest string) SubmitOutcome {
	nonce = util.Normalize(nonce)
	headerHash = util.Normalize(headerHash)
	mixDigest = util.Normalize(mixDigest)

	ok, err := jm.rpc.SubmitWork(nonce, headerHash, mixDigest)
	if err != nil {
		errorf("job: eth_submitWork error: %v", err)
		return SubmitOutcome{Result: SubmitError, Detail: err.Error()}
	}
	if ok {
		infof("job: BLOCK FOUND nonce=%s header=%s", nonce, shortHash(headerHash))
		return SubmitOutcome{Result: SubmitAccepted}
	}
	warnf("job: solution rejected by node nonce=%s", nonce)
	return SubmitOutcome{Result: SubmitRejected, Detail: "rejected by node"}
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return fmt.Sprintf("%s...%s", h[:10], h[len(h)-4:])
}
