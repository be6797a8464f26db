package pool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/services/blockchain"
)

// Job is one unit of work dispatched to a miner. The blob is round-tripped
// verbatim: the miner only fills the nonce region.
type Job struct {
	ID         string
	Height     uint64
	Difficulty uint64 // network difficulty
	Blob       string
	Target     string
	Algorithm  crypto.Algorithm
	CreatedAt  time.Time
}

// JobManager caches dispatched jobs for share validation and tracks
// per-session duplicate submissions. Both caches are TTL-bounded so an
// abandoned session cannot grow them without bound.
type JobManager struct {
	jobs       *ttlcache.Cache[string, *Job]
	duplicates *ttlcache.Cache[string, struct{}]
	nextJobID  atomic.Uint64
}

func NewJobManager(jobTTL time.Duration) *JobManager {
	if jobTTL <= 0 {
		jobTTL = 10 * time.Minute
	}

	jobs := ttlcache.New[string, *Job](
		ttlcache.WithTTL[string, *Job](jobTTL),
		ttlcache.WithCapacity[string, *Job](100_000),
	)
	duplicates := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](jobTTL),
		ttlcache.WithCapacity[string, struct{}](1_000_000),
	)

	go jobs.Start()
	go duplicates.Start()

	return &JobManager{
		jobs:       jobs,
		duplicates: duplicates,
	}
}

func (jm *JobManager) Stop() {
	jm.jobs.Stop()
	jm.duplicates.Stop()
}

// NewJob registers work derived from a template.
func (jm *JobManager) NewJob(tpl *blockchain.BlockTemplate) *Job {
	job := &Job{
		ID:         fmt.Sprintf("%x", jm.nextJobID.Add(1)),
		Height:     tpl.Height,
		Difficulty: tpl.Difficulty,
		Blob:       tpl.Blob,
		Target:     tpl.Target,
		Algorithm:  crypto.AlgorithmForHeight(tpl.Height),
		CreatedAt:  time.Now(),
	}
	jm.jobs.Set(job.ID, job, ttlcache.DefaultTTL)
	return job
}

// GetJob resolves a job id, nil when expired or unknown.
func (jm *JobManager) GetJob(id string) *Job {
	item := jm.jobs.Get(id)
	if item == nil {
		return nil
	}
	return item.Value()
}

// MarkSubmission records (session, job, nonce); returns false if the same
// triple was already submitted.
func (jm *JobManager) MarkSubmission(sessionID, jobID, nonce string) bool {
	key := sessionID + ":" + jobID + ":" + nonce
	if jm.duplicates.Get(key) != nil {
		return false
	}
	jm.duplicates.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return true
}
