// Package scheduler drives all outbound PUT and inbound (restore) GET
// traffic: a per-peer in-flight cap, a global concurrency cap, ack-gated
// placement, and exponential-backoff retry. Each job runs against the peer
// named in it; jobs are not spread round-robin across peers. On
// cancellation, a job waiting out a retry backoff stops at once with a
// Cancelled result; no grace period (Config.CancelGrace) is applied.
// In-memory state (queues,
// per-peer semaphores) is owned by the Scheduler and mutated only through
// its own goroutines and channels, following the teacher's
// pkg/agent/supervisor.go single-owner-goroutine idiom.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/log"
	"github.com/WebFirstLanguage/beenet/pkg/peersession"
	"github.com/WebFirstLanguage/beenet/pkg/wire"
)

var schedulerLog = log.Component("scheduler")

const dataFrameSize = 256 * 1024

// SessionProvider resolves (and if necessary establishes) an authenticated
// session to a peer. Reconnect-on-failure is the provider's
// responsibility; the Scheduler only asks for a fresh session on each
// retry attempt.
type SessionProvider interface {
	GetSession(ctx context.Context, peerID string) (*peersession.Session, error)
}

// PutJob asks the Scheduler to place one sealed pack's bytes onto a peer.
type PutJob struct {
	PackID string
	PeerID string
	Data   []byte
}

// GetJob asks the Scheduler to fetch one pack's bytes from a peer, used in
// reverse by the Restore Coordinator.
type GetJob struct {
	PackID string
	PeerID string
}

// Result reports the outcome of a PutJob or GetJob.
type Result struct {
	PackID string
	PeerID string
	Data   []byte // populated for GetJob results
	Err    error
}

// Config holds the Scheduler's tunables, defaulted from pkg/constants but
// overridable once real measurements exist.
type Config struct {
	PerPeerInFlight   int
	GlobalConcurrency int
	BackpressureQueue int
	MaxRetries        int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	CancelGrace       time.Duration
}

// DefaultConfig returns the spec's suggested Scheduler defaults.
func DefaultConfig() Config {
	return Config{
		PerPeerInFlight:   constants.SchedulerPerPeerInFlight,
		GlobalConcurrency: constants.SchedulerGlobalConcurrency,
		BackpressureQueue: constants.SchedulerBackpressureQueue,
		MaxRetries:        constants.SchedulerMaxRetries,
		BackoffMin:        constants.SchedulerBackoffMin,
		BackoffMax:        constants.SchedulerBackoffMax,
		CancelGrace:       constants.SchedulerCancelGrace,
	}
}

// Scheduler owns the outbound pack queue and the peer fairness/retry
// policy over it.
type Scheduler struct {
	provider SessionProvider
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	globalSem chan struct{}

	peerSemMu sync.Mutex
	peerSem   map[string]chan struct{}

	queued  int32 // atomic: jobs submitted but not yet resolved, for backpressure
	results chan Result
}

// New creates a Scheduler bound to ctx: cancelling ctx makes every job
// waiting out a retry backoff give up at once.
func New(ctx context.Context, provider SessionProvider, cfg Config) *Scheduler {
	sctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		provider:  provider,
		cfg:       cfg,
		ctx:       sctx,
		cancel:    cancel,
		globalSem: make(chan struct{}, cfg.GlobalConcurrency),
		peerSem:   make(map[string]chan struct{}),
		results:   make(chan Result, cfg.BackpressureQueue),
	}
}

// Results returns the channel of job outcomes. Callers should drain it
// continuously; a full channel blocks the job goroutines reporting into
// it (Submit/SubmitGet themselves never block).
func (s *Scheduler) Results() <-chan Result { return s.results }

// Backpressure reports whether the outbound queue has grown past the
// configured limit; the Packer should stall sealing new packs while true.
func (s *Scheduler) Backpressure() bool {
	return atomic.LoadInt32(&s.queued) >= int32(s.cfg.BackpressureQueue)
}

func (s *Scheduler) peerSemaphore(peerID string) chan struct{} {
	s.peerSemMu.Lock()
	defer s.peerSemMu.Unlock()
	sem, ok := s.peerSem[peerID]
	if !ok {
		sem = make(chan struct{}, s.cfg.PerPeerInFlight)
		s.peerSem[peerID] = sem
	}
	return sem
}

// Submit enqueues a pack for PUT to its destination peer and returns at
// once; the job's goroutine waits while the global concurrency cap or the
// peer's in-flight cap is saturated.
func (s *Scheduler) Submit(job PutJob) {
	atomic.AddInt32(&s.queued, 1)
	s.wg.Add(1)
	go s.runPut(job)
}

// SubmitGet enqueues a GET for a pack from a peer, used by restore.
func (s *Scheduler) SubmitGet(job GetJob) {
	atomic.AddInt32(&s.queued, 1)
	s.wg.Add(1)
	go s.runGet(job)
}

// Shutdown cancels the Scheduler's context, waits for every job goroutine
// to finish, then closes the results channel.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
	close(s.results)
}

func (s *Scheduler) acquire(peerID string) func() {
	s.globalSem <- struct{}{}
	sem := s.peerSemaphore(peerID)
	sem <- struct{}{}
	return func() {
		<-sem
		<-s.globalSem
	}
}

func (s *Scheduler) runPut(job PutJob) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.queued, -1)

	release := s.acquire(job.PeerID)
	defer release()

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !s.wait(backoffDuration(s.cfg, attempt)) {
				s.results <- Result{PackID: job.PackID, PeerID: job.PeerID, Err: errs.NewCancelled("scheduler shutting down")}
				return
			}
		}

		sess, err := s.provider.GetSession(s.ctx, job.PeerID)
		if err != nil {
			lastErr = err
			schedulerLog.WithField("peer_id", job.PeerID).WithField("attempt", attempt).Warn("session unavailable, retrying")
			continue
		}

		if err := putPack(s.ctx, sess, job.PackID, job.Data); err != nil {
			lastErr = err
			schedulerLog.WithField("peer_id", job.PeerID).WithField("pack_id", job.PackID).WithField("attempt", attempt).Warn("put failed, retrying")
			continue
		}

		s.results <- Result{PackID: job.PackID, PeerID: job.PeerID}
		return
	}

	s.results <- Result{PackID: job.PackID, PeerID: job.PeerID, Err: fmt.Errorf("pack unplaceable after %d attempts: %w", s.cfg.MaxRetries, lastErr)}
}

func (s *Scheduler) runGet(job GetJob) {
	defer s.wg.Done()
	defer atomic.AddInt32(&s.queued, -1)

	release := s.acquire(job.PeerID)
	defer release()

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !s.wait(backoffDuration(s.cfg, attempt)) {
				s.results <- Result{PackID: job.PackID, PeerID: job.PeerID, Err: errs.NewCancelled("scheduler shutting down")}
				return
			}
		}

		sess, err := s.provider.GetSession(s.ctx, job.PeerID)
		if err != nil {
			lastErr = err
			continue
		}

		data, err := getPack(s.ctx, sess, job.PackID)
		if err != nil {
			lastErr = err
			continue
		}

		s.results <- Result{PackID: job.PackID, PeerID: job.PeerID, Data: data}
		return
	}

	unavailable := errs.NewPackUnavailable(job.PackID)
	unavailable.Cause = lastErr
	s.results <- Result{PackID: job.PackID, PeerID: job.PeerID, Err: unavailable}
}

func (s *Scheduler) wait(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.ctx.Done():
		select {
		case <-time.After(s.cfg.CancelGrace):
		default:
		}
		return false
	}
}

// backoffDuration returns a jittered exponential delay for the given retry
// attempt, clamped to [cfg.BackoffMin, cfg.BackoffMax].
func backoffDuration(cfg Config, attempt int) time.Duration {
	backoff := cfg.BackoffMin
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= cfg.BackoffMax {
			backoff = cfg.BackoffMax
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	return backoff/2 + jitter
}

// putPack sends one pack as PUT_BEGIN / a run of PUT_DATA fragments /
// PUT_END carrying the pack's blake3 hash, then waits for PUT_ACK.
func putPack(ctx context.Context, sess *peersession.Session, packID string, data []byte) error {
	if err := sess.Send(constants.TagPutBegin, &wire.PutBeginBody{ContentID: packID, Length: uint64(len(data))}); err != nil {
		return err
	}

	for offset := 0; offset < len(data); offset += dataFrameSize {
		end := offset + dataFrameSize
		if end > len(data) {
			end = len(data)
		}
		if err := sess.Send(constants.TagPutData, &wire.PutDataBody{ContentID: packID, Offset: uint64(offset), Data: data[offset:end]}); err != nil {
			return err
		}
	}

	hash := blake3.Sum256(data)
	if err := sess.Send(constants.TagPutEnd, &wire.PutEndBody{ContentID: packID, Length: uint64(len(data)), Hash: hash[:]}); err != nil {
		return err
	}

	frame, err := sess.Recv(ctx)
	if err != nil {
		return err
	}
	switch frame.Tag {
	case constants.TagPutAck:
		var ack wire.PutAckBody
		if err := wire.DecodeBody(frame.Body, &ack); err != nil {
			return err
		}
		if string(ack.Hash) != string(hash[:]) {
			return errs.NewPeerRejected("put ack hash mismatch")
		}
		return nil
	case constants.TagPutReject:
		var reject wire.PutRejectBody
		_ = wire.DecodeBody(frame.Body, &reject)
		return errs.NewPeerRejected(reject.Reason)
	default:
		return errs.NewUnexpectedFrame(fmt.Sprintf("unexpected reply tag %d to PUT", frame.Tag))
	}
}

// getPack requests a pack by id and reassembles its fragments in order.
func getPack(ctx context.Context, sess *peersession.Session, packID string) ([]byte, error) {
	if err := sess.Send(constants.TagGet, &wire.GetBody{ContentID: packID}); err != nil {
		return nil, err
	}

	frame, err := sess.Recv(ctx)
	if err != nil {
		return nil, err
	}
	switch frame.Tag {
	case constants.TagGetNotFound:
		return nil, errs.NewPackUnavailable(packID)
	case constants.TagGetStart:
		var start wire.GetStartBody
		if err := wire.DecodeBody(frame.Body, &start); err != nil {
			return nil, err
		}
		buf := make([]byte, 0, start.Length)
		for uint64(len(buf)) < start.Length {
			dataFrame, err := sess.Recv(ctx)
			if err != nil {
				return nil, err
			}
			if dataFrame.Tag != constants.TagGetData {
				return nil, errs.NewUnexpectedFrame(fmt.Sprintf("expected GET_DATA, got tag %d", dataFrame.Tag))
			}
			var chunk wire.GetDataBody
			if err := wire.DecodeBody(dataFrame.Body, &chunk); err != nil {
				return nil, err
			}
			buf = append(buf, chunk.Data...)
		}
		endFrame, err := sess.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if endFrame.Tag != constants.TagGetEnd {
			return nil, errs.NewUnexpectedFrame(fmt.Sprintf("expected GET_END, got tag %d", endFrame.Tag))
		}
		return buf, nil
	default:
		return nil, errs.NewUnexpectedFrame(fmt.Sprintf("unexpected reply tag %d to GET", frame.Tag))
	}
}
