// Package launcher coordinates group launches: many sessions started
// together behind one shared authentication step. The coordinator collects
// exactly one OTP per job when required, fans out member connects with a
// small stagger, and fans in to a single aggregate outcome.
package launcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskmux/deskmux/internal/diag"
	"github.com/deskmux/deskmux/internal/errclass"
	"github.com/deskmux/deskmux/internal/session"
)

// Connector is the slice of registry capability the coordinator drives.
type Connector interface {
	Connect(ctx context.Context, id session.ProfileID, otp string) error
}

// WindowLayout receives the connected profiles of a successful launch for
// display arrangement.
type WindowLayout interface {
	Arrange(ids []session.ProfileID)
}

// Outcome classifies a finished group launch.
type Outcome string

const (
	AllSucceeded   Outcome = "all_succeeded"
	PartialSuccess Outcome = "partial_success"
	AllFailed      Outcome = "all_failed"
)

// JobState is the coordinator-side phase of one launch job.
type JobState string

const (
	StateAwaitingOTP JobState = "awaiting_otp"
	StateRunning     JobState = "running"
	StateCompleted   JobState = "completed"
	StateCancelled   JobState = "cancelled"
)

// Result is the aggregate of one finished launch.
type Result struct {
	Outcome        Outcome                      `json:"outcome"`
	ConnectedCount int                          `json:"connected_count"`
	FailedCount    int                          `json:"failed_count"`
	Succeeded      []session.ProfileID          `json:"succeeded"`
	Failures       map[session.ProfileID]string `json:"failures,omitempty"`
}

// Job is one group launch. Owned by the Coordinator; external code sees
// JobInfo snapshots.
type Job struct {
	id          string
	members     []session.ProfileID
	requiresOTP bool

	mu         sync.Mutex
	state      JobState
	suppressed bool // cancel during fan-out suppresses reporting only
	result     *Result
	startedAt  time.Time
	finishedAt time.Time

	otpCh  chan string
	cancel context.CancelFunc
	done   chan struct{}
}

// JobInfo is a read-only snapshot of one job.
type JobInfo struct {
	ID          string              `json:"id"`
	State       JobState            `json:"state"`
	Members     []session.ProfileID `json:"members"`
	RequiresOTP bool                `json:"requires_otp"`
	Result      *Result             `json:"result,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at,omitzero"`
}

// Options tune the coordinator's fan-out behavior.
type Options struct {
	// MemberTimeout bounds each member's connect; a member that neither
	// succeeds nor fails in time counts as failed.
	MemberTimeout time.Duration
	// Stagger delays successive member launches so a shared tunnel
	// endpoint is not hit by every handshake at once.
	Stagger time.Duration
}

// Coordinator owns all launch jobs.
type Coordinator struct {
	mu   sync.Mutex
	jobs map[string]*Job

	connector Connector
	layout    WindowLayout
	sink      *diag.Sink

	memberTimeout time.Duration
	stagger       time.Duration

	wg sync.WaitGroup
}

// NewCoordinator creates a Coordinator. layout may be nil.
func NewCoordinator(connector Connector, layout WindowLayout, sink *diag.Sink, opts Options) *Coordinator {
	if opts.MemberTimeout <= 0 {
		opts.MemberTimeout = 45 * time.Second
	}
	if opts.Stagger < 0 {
		opts.Stagger = 0
	}
	return &Coordinator{
		jobs:          make(map[string]*Job),
		connector:     connector,
		layout:        layout,
		sink:          sink,
		memberTimeout: opts.MemberTimeout,
		stagger:       opts.Stagger,
	}
}

// LaunchGroup starts a new job for the ordered members. When requiresOTP is
// set the job suspends until ProvideOTP or Cancel; otherwise fan-out begins
// immediately.
func (c *Coordinator) LaunchGroup(members []session.ProfileID, requiresOTP bool) (*Job, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("launch group: no members")
	}
	seen := make(map[session.ProfileID]bool, len(members))
	for _, id := range members {
		if seen[id] {
			return nil, fmt.Errorf("launch group: duplicate member %s", id)
		}
		seen[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:          uuid.NewString(),
		members:     append([]session.ProfileID(nil), members...),
		requiresOTP: requiresOTP,
		state:       StateRunning,
		startedAt:   time.Now(),
		otpCh:       make(chan string, 1),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	if requiresOTP {
		job.state = StateAwaitingOTP
	}

	c.mu.Lock()
	c.jobs[job.id] = job
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(ctx, job)
	return job, nil
}

// run waits for the OTP when required, then fans out and aggregates.
func (c *Coordinator) run(ctx context.Context, job *Job) {
	defer c.wg.Done()
	defer close(job.done)

	otp := ""
	if job.requiresOTP {
		select {
		case otp = <-job.otpCh:
			job.mu.Lock()
			job.state = StateRunning
			job.mu.Unlock()
		case <-ctx.Done():
			// Cancelled before fan-out: clean abort, no sessions started.
			job.mu.Lock()
			job.state = StateCancelled
			job.finishedAt = time.Now()
			job.mu.Unlock()
			c.sink.Emit("", diag.LevelInfo, "launch",
				fmt.Sprintf("job %s cancelled while awaiting OTP", job.id))
			return
		}
	}

	type memberResult struct {
		id  session.ProfileID
		err error
	}
	results := make(chan memberResult, len(job.members))

	var launchWg sync.WaitGroup
	for i, id := range job.members {
		if i > 0 && c.stagger > 0 {
			time.Sleep(c.stagger)
		}
		launchWg.Add(1)
		go func(id session.ProfileID) {
			defer launchWg.Done()
			results <- memberResult{id: id, err: c.connectMember(id, otp)}
		}(id)
	}
	launchWg.Wait()
	close(results)

	result := &Result{Failures: make(map[session.ProfileID]string)}
	for r := range results {
		if r.err == nil {
			result.Succeeded = append(result.Succeeded, r.id)
			result.ConnectedCount++
		} else {
			result.Failures[r.id] = r.err.Error()
			result.FailedCount++
		}
	}
	sort.Slice(result.Succeeded, func(i, j int) bool {
		return result.Succeeded[i] < result.Succeeded[j]
	})
	switch {
	case result.FailedCount == 0:
		result.Outcome = AllSucceeded
	case result.ConnectedCount == 0:
		result.Outcome = AllFailed
	default:
		result.Outcome = PartialSuccess
	}

	job.mu.Lock()
	job.state = StateCompleted
	job.result = result
	job.finishedAt = time.Now()
	suppressed := job.suppressed
	job.mu.Unlock()

	if suppressed {
		return
	}
	c.sink.Emit("", diag.LevelInfo, "launch",
		fmt.Sprintf("job %s finished: %s (%d connected, %d failed)",
			job.id, result.Outcome, result.ConnectedCount, result.FailedCount))
	if result.Outcome != AllFailed && c.layout != nil {
		c.layout.Arrange(result.Succeeded)
	}
}

// connectMember runs one member's connect under the per-member timeout. A
// connect still unresolved at the deadline counts as failed; the in-flight
// attempt is left to resolve on its own.
func (c *Coordinator) connectMember(id session.ProfileID, otp string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.memberTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.connector.Connect(ctx, id, otp)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errclass.New(errclass.KindTimeout,
			fmt.Sprintf("member %s unresolved after %s", id, c.memberTimeout))
	}
}

// ProvideOTP delivers the shared one-time password to a job awaiting one.
func (c *Coordinator) ProvideOTP(jobID, otp string) error {
	job, ok := c.job(jobID)
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.mu.Lock()
	state := job.state
	job.mu.Unlock()
	if state != StateAwaitingOTP {
		return fmt.Errorf("job %s is %s, not awaiting OTP", jobID, state)
	}
	select {
	case job.otpCh <- otp:
		return nil
	default:
		return fmt.Errorf("job %s already received an OTP", jobID)
	}
}

// Cancel aborts a job. Before fan-out the abort is clean with no sessions
// started; during fan-out in-flight member launches resolve on their own and
// only further reporting is suppressed.
func (c *Coordinator) Cancel(jobID string) error {
	job, ok := c.job(jobID)
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}

	job.mu.Lock()
	switch job.state {
	case StateAwaitingOTP:
		job.mu.Unlock()
		job.cancel()
		return nil
	case StateRunning:
		job.suppressed = true
		job.mu.Unlock()
		return nil
	default:
		job.mu.Unlock()
		return nil
	}
}

// Wait blocks until the job resolves or the context expires.
func (c *Coordinator) Wait(ctx context.Context, jobID string) (JobInfo, error) {
	job, ok := c.job(jobID)
	if !ok {
		return JobInfo{}, fmt.Errorf("job %s not found", jobID)
	}
	select {
	case <-job.done:
		return job.snapshot(), nil
	case <-ctx.Done():
		return JobInfo{}, ctx.Err()
	}
}

// Job returns a snapshot of one job.
func (c *Coordinator) Job(jobID string) (JobInfo, bool) {
	job, ok := c.job(jobID)
	if !ok {
		return JobInfo{}, false
	}
	return job.snapshot(), true
}

// Jobs returns snapshots of every tracked job, newest first.
func (c *Coordinator) Jobs() []JobInfo {
	c.mu.Lock()
	jobs := make([]*Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	infos := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// SweepCompleted drops completed and cancelled jobs that finished more than
// olderThan ago, returning the number removed.
func (c *Coordinator) SweepCompleted(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, job := range c.jobs {
		job.mu.Lock()
		stale := (job.state == StateCompleted || job.state == StateCancelled) &&
			!job.finishedAt.IsZero() && job.finishedAt.Before(cutoff)
		job.mu.Unlock()
		if stale {
			delete(c.jobs, id)
			removed++
		}
	}
	return removed
}

// Close cancels all jobs and waits for their goroutines to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, job := range c.jobs {
		job.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) job(id string) (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	return j, ok
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

func (j *Job) snapshot() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:          j.id,
		State:       j.state,
		Members:     append([]session.ProfileID(nil), j.members...),
		RequiresOTP: j.requiresOTP,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
	}
	if j.result != nil {
		r := *j.result
		info.Result = &r
	}
	return info
}
