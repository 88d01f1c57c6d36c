// Package agent implements the supervised backup core: one long-lived
// identity wiring the Packer, Object Store, Storage Negotiator, Transport
// Scheduler, Snapshot Index, and Restore Coordinator behind a single
// supervision channel, matching the core's UI boundary — the UI itself is
// out of scope, this package only emits the events and accepts the
// commands a UI would drive.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/crypto"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/identity"
	"github.com/WebFirstLanguage/beenet/pkg/log"
	"github.com/WebFirstLanguage/beenet/pkg/negotiator"
	"github.com/WebFirstLanguage/beenet/pkg/packer"
	"github.com/WebFirstLanguage/beenet/pkg/restore"
	"github.com/WebFirstLanguage/beenet/pkg/scheduler"
	"github.com/WebFirstLanguage/beenet/pkg/snapshot"
	"github.com/WebFirstLanguage/beenet/pkg/store"
	"github.com/WebFirstLanguage/beenet/pkg/transport"
)

var agentLog = log.Component("agent")

// State represents the current state of the agent
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config is the in-memory configuration a host process loads and saves on
// the agent's behalf; persisting it to a file is out of scope here.
type Config struct {
	DataDir       string
	MatchmakerURL string
	ListenAddr    string
	UseQUIC       bool

	ChunkMinSize     int
	ChunkAverageSize int
	ChunkMaxSize     int

	PackMinSize    int64
	PackMaxSize    int64
	PackTargetSize int64

	PackerConcurrency          int
	SchedulerPerPeerInFlight   int
	SchedulerGlobalConcurrency int
}

// DefaultConfig returns the core's standard chunk/pack sizing and
// concurrency caps, with DataDir/MatchmakerURL left for the host to set.
func DefaultConfig() Config {
	return Config{
		UseQUIC:          true,
		ChunkMinSize:     constants.ChunkMinSize,
		ChunkAverageSize: constants.ChunkAverageSize,
		ChunkMaxSize:     constants.ChunkMaxSize,

		PackMinSize:    constants.PackMinSize,
		PackMaxSize:    constants.PackMaxSize,
		PackTargetSize: constants.PackTargetSize,

		PackerConcurrency:          4,
		SchedulerPerPeerInFlight:   constants.SchedulerPerPeerInFlight,
		SchedulerGlobalConcurrency: constants.SchedulerGlobalConcurrency,
	}
}

// EventType discriminates one supervision channel event.
type EventType string

const (
	EventProgress        EventType = "progress"
	EventBackupStarted   EventType = "backup_started"
	EventBackupFinished  EventType = "backup_finished"
	EventRestoreStarted  EventType = "restore_started"
	EventRestoreFinished EventType = "restore_finished"
	EventPanic           EventType = "panic"
	EventConfig          EventType = "config"
)

// ProgressInfo mirrors the Packer/Restore Coordinator's own progress
// shape, unified into one record for the supervision channel.
type ProgressInfo struct {
	FilesDone    int
	FilesTotal   int
	BytesWritten int64
	CurrentPath  string
}

// Outcome reports whether a backup or restore run succeeded.
type Outcome struct {
	Success bool
	Message string
}

// Event is one record on the supervision channel. Only the field matching
// Type is populated.
type Event struct {
	Type     EventType
	Progress *ProgressInfo
	Outcome  *Outcome
	Reason   string
	Config   *Config
}

// Agent owns one identity's view of the backup core: its local Object
// Store, its matchmaker connection, and the Transport Scheduler used to
// place and fetch packs. State is guarded by mu and only ever transitions
// through Start/Stop, following the teacher's single-owner lifecycle
// idiom.
type Agent struct {
	mu       sync.RWMutex
	state    State
	identity *identity.Identity
	master   crypto.MasterKey
	cfg      Config

	store *store.Store
	neg   *negotiator.Negotiator
	pool  *connPool
	sched *scheduler.Scheduler

	runMu sync.Mutex // serializes StartBackup/StartRestore: one run at a time

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	ln     transport.Listener
}

// New constructs an Agent from a mnemonic-derived master key: the same
// key used to encrypt every chunk also derives this node's peer identity,
// so nothing but the mnemonic is needed to bring a backup core back up on
// a fresh machine.
func New(master crypto.MasterKey, cfg Config) (*Agent, error) {
	id, err := identity.FromMasterKey(master)
	if err != nil {
		return nil, err
	}
	return &Agent{
		state:    StateStopped,
		identity: id,
		master:   master,
		cfg:      cfg,
		events:   make(chan Event, 32),
	}, nil
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Identity returns the agent's derived peer identity.
func (a *Agent) Identity() *identity.Identity { return a.identity }

// BID returns the agent identity's Bee ID (identity.Identity.BID). This is
// not the wire peer-id, which is the hex of the full signing public key
// (peersession.PeerID).
func (a *Agent) BID() string { return a.identity.BID() }

// Events returns the supervision channel. Callers must keep draining it;
// a blocked reader stalls backup/restore progress reporting.
func (a *Agent) Events() <-chan Event { return a.events }

func (a *Agent) emit(e Event) {
	select {
	case a.events <- e:
	default:
		agentLog.WithField("type", string(e.Type)).Warn("supervision channel full, dropping event")
	}
}

// GetConfig returns the agent's current configuration (the GetConfig
// command).
func (a *Agent) GetConfig() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// SetConfig replaces the agent's configuration (the SetConfig command).
// Pack sizing and PackerConcurrency take effect on the next backup run.
// DataDir/MatchmakerURL/ListenAddr/UseQUIC and the Scheduler caps only
// take effect on the next Start; a restore always runs its own Scheduler
// with the default caps. The Chunk*Size fields are not read: the chunker
// always uses its built-in sizes.
func (a *Agent) SetConfig(cfg Config) error {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	a.emit(Event{Type: EventConfig, Config: &cfg})
	return nil
}

// Start brings the agent's networking up: opens the Object Store,
// connects to the matchmaker, and begins accepting incoming peer
// sessions so this node can host packs for other peers too.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateRunning || a.state == StateStarting {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.state = StateStarting
	cfg := a.cfg
	a.mu.Unlock()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		a.setState(StateError)
		return err
	}

	neg, err := negotiator.Connect(ctx, a.identity, negotiator.Config{ServerURL: cfg.MatchmakerURL, RequestTimeout: constants.NegotiatorRequestTimeout})
	if err != nil {
		st.Close()
		a.setState(StateError)
		return err
	}

	pool := newConnPool(a.identity, st, cfg.UseQUIC)
	runCtx, cancel := context.WithCancel(context.Background())
	sched := scheduler.New(runCtx, pool, scheduler.Config{
		PerPeerInFlight:   cfg.SchedulerPerPeerInFlight,
		GlobalConcurrency: cfg.SchedulerGlobalConcurrency,
		BackpressureQueue: constants.SchedulerBackpressureQueue,
		MaxRetries:        constants.SchedulerMaxRetries,
		BackoffMin:        constants.SchedulerBackoffMin,
		BackoffMax:        constants.SchedulerBackoffMax,
		CancelGrace:       constants.SchedulerCancelGrace,
	})

	var ln transport.Listener
	if cfg.ListenAddr != "" {
		tlsCfg, err := selfSignedTLSConfig()
		if err != nil {
			neg.Close()
			st.Close()
			a.setState(StateError)
			return err
		}
		ln, err = pool.tr.Listen(runCtx, cfg.ListenAddr, tlsCfg)
		if err != nil {
			neg.Close()
			st.Close()
			a.setState(StateError)
			return err
		}
		go serveListener(runCtx, ln, a.identity, st)
	}

	a.mu.Lock()
	a.store = st
	a.neg = neg
	a.pool = pool
	a.sched = sched
	a.ln = ln
	a.ctx = runCtx
	a.cancel = cancel
	a.done = make(chan struct{})
	a.state = StateRunning
	a.mu.Unlock()

	go a.run()
	a.emit(Event{Type: EventConfig, Config: &cfg})
	agentLog.WithField("bid", a.identity.BID()).Info("agent started")
	return nil
}

// run drains newly granted reservations into the address book so the
// Scheduler can dial them later.
func (a *Agent) run() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case r, ok := <-a.neg.Reservations():
			if !ok {
				return
			}
			if err := a.store.UpsertPeer(r.PeerID, r.Addr, r.NoiseKey, time.Now().Unix()); err != nil {
				agentLog.WithField("peer_id", r.PeerID).WithField("error", err.Error()).Warn("failed to record reservation")
			}
		}
	}
}

// Stop tears the agent's networking down, waiting for in-flight work to
// settle.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return fmt.Errorf("agent: not running")
	}
	a.state = StateStopping
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}

	a.mu.Lock()
	if a.ln != nil {
		a.ln.Close()
	}
	a.pool.closeAll()
	a.neg.Close()
	a.store.Close()
	a.state = StateStopped
	a.mu.Unlock()
	return nil
}

// StartBackup runs one backup of rootDir: chunk, dedup, encrypt, pack,
// place every pack onto a negotiated peer, seal and publish the
// snapshot. It emits BackupStarted, a Progress event per file, and
// exactly one BackupFinished.
func (a *Agent) StartBackup(ctx context.Context, rootDir string) (err error) {
	if a.State() != StateRunning {
		return fmt.Errorf("agent: not running")
	}
	if !a.runMu.TryLock() {
		return fmt.Errorf("agent: a backup or restore is already running")
	}
	defer a.runMu.Unlock()

	a.emit(Event{Type: EventBackupStarted})
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("%v", r)
			a.emit(Event{Type: EventPanic, Reason: reason})
			a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: reason}})
			err = fmt.Errorf("agent: backup panicked: %s", reason)
		}
	}()

	cfg := a.GetConfig()
	p := packer.New(a.store, a.master, packer.Config{
		Concurrency: cfg.PackerConcurrency,
		PackMinSize: cfg.PackMinSize,
		PackMaxSize: cfg.PackMaxSize,
		PackTarget:  cfg.PackTargetSize,
	})

	progressCh := make(chan packer.Progress, 8)
	relay := make(chan struct{})
	go func() {
		defer close(relay)
		for pr := range progressCh {
			a.emit(Event{Type: EventProgress, Progress: &ProgressInfo{
				FilesDone: pr.FilesDone, FilesTotal: pr.FilesTotal,
				BytesWritten: pr.BytesWritten, CurrentPath: pr.CurrentPath,
			}})
		}
	}()

	results, runErr := p.Run(ctx, rootDir, progressCh)
	close(progressCh)
	<-relay
	if runErr != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: runErr.Error()}})
		return runErr
	}

	packRefs := collectPackRefs(results)
	tree := snapshot.Build(results, packRefs)
	snap := snapshot.Snapshot{ID: newSnapshotID(), Version: 1, CreatedAt: time.Now().UnixMilli(), Tree: tree}

	contentID, blob, err := snapshot.Seal(snap, a.master)
	if err != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	w, err := a.store.Begin()
	if err != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}
	offset, length, err := w.Append(contentID.String(), blob.Ciphertext)
	if err != nil {
		w.Abort()
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}
	snapPackID, err := w.Seal()
	if err != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	ptr := snapshot.Pointer{ContentID: contentID.String(), PackID: snapPackID, Offset: offset, Length: length}
	ptrBytes, err := snapshot.EncodePointer(ptr)
	if err != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	allPacks := append(append([]string{}, packRefs...), snapPackID)
	if err := a.placePacks(ctx, allPacks); err != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	if err := a.store.RecordSnapshot(snap.ID, snap.CreatedAt/1000, joinPackRefs(allPacks), ptrBytes); err != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	sig := crypto.Sign(a.identity.SigningPrivateKey, []byte(contentID.String()))
	if pubErr := a.neg.PublishSnapshot(ctx, snap.ID, contentID.String(), time.Now(), sig); pubErr != nil {
		a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: false, Message: pubErr.Error()}})
		return pubErr
	}

	a.emit(Event{Type: EventBackupFinished, Outcome: &Outcome{Success: true, Message: fmt.Sprintf("%d files, snapshot %s", len(results), snap.ID)}})
	return nil
}

// placePacks submits every pack in packIDs to the Scheduler in turn,
// recording a placement-map entry once each is acknowledged.
func (a *Agent) placePacks(ctx context.Context, packIDs []string) error {
	for _, packID := range packIDs {
		data, err := a.store.ReadPack(packID)
		if err != nil {
			return err
		}

		peerID, err := a.pickPeer()
		if err != nil {
			return err
		}

		a.sched.Submit(scheduler.PutJob{PackID: packID, PeerID: peerID, Data: data})
		select {
		case res := <-a.sched.Results():
			if res.Err != nil {
				return res.Err
			}
			if err := a.store.RecordPlacement(res.PackID, res.PeerID, time.Now().Unix()); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// pickPeer returns one known peer to place a pack on. Any peer the
// address book knows about is a candidate: the matchmaker only grants a
// reservation to peers with free capacity in the first place.
func (a *Agent) pickPeer() (string, error) {
	peers, err := a.store.ListPeers()
	if err != nil {
		return "", err
	}
	if len(peers) == 0 {
		return "", errs.NewPeerUnreachable("no negotiated peer available to place a pack", nil)
	}
	return peers[0].PeerID, nil
}

// StartRestore fetches the named snapshot and reconstructs its file tree
// under destDir. It emits RestoreStarted, a Progress event per file
// restored, and exactly one RestoreFinished.
func (a *Agent) StartRestore(ctx context.Context, snapshotID, destDir string) (err error) {
	if a.State() != StateRunning {
		return fmt.Errorf("agent: not running")
	}
	if !a.runMu.TryLock() {
		return fmt.Errorf("agent: a backup or restore is already running")
	}
	defer a.runMu.Unlock()

	a.emit(Event{Type: EventRestoreStarted})
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("%v", r)
			a.emit(Event{Type: EventPanic, Reason: reason})
			a.emit(Event{Type: EventRestoreFinished, Outcome: &Outcome{Success: false, Message: reason}})
			err = fmt.Errorf("agent: restore panicked: %s", reason)
		}
	}()

	ptrBytes, err := a.store.GetSnapshotPointer(snapshotID)
	if err != nil {
		a.emit(Event{Type: EventRestoreFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}
	ptr, err := snapshot.DecodePointer(ptrBytes)
	if err != nil {
		a.emit(Event{Type: EventRestoreFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	restoreCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	restoreSched := scheduler.New(restoreCtx, a.pool, scheduler.DefaultConfig())
	defer restoreSched.Shutdown()

	coord := restore.New(a.store, restoreSched, a.master, restore.DefaultConfig())
	snap, err := coord.FetchSnapshot(ctx, ptr)
	if err != nil {
		a.emit(Event{Type: EventRestoreFinished, Outcome: &Outcome{Success: false, Message: err.Error()}})
		return err
	}

	progressCh := make(chan restore.Progress, 8)
	relay := make(chan struct{})
	go func() {
		defer close(relay)
		for pr := range progressCh {
			a.emit(Event{Type: EventProgress, Progress: &ProgressInfo{
				FilesDone: pr.FilesDone, FilesTotal: pr.FilesTotal,
				BytesWritten: pr.BytesWritten, CurrentPath: pr.CurrentPath,
			}})
		}
	}()

	runErr := coord.Run(ctx, snap, destDir, progressCh)
	close(progressCh)
	<-relay

	if runErr != nil {
		a.emit(Event{Type: EventRestoreFinished, Outcome: &Outcome{Success: false, Message: runErr.Error()}})
		return runErr
	}

	a.emit(Event{Type: EventRestoreFinished, Outcome: &Outcome{Success: true, Message: fmt.Sprintf("%d files restored", len(snap.Tree.Files))}})
	return nil
}

// collectPackRefs returns the deduplicated, order-preserved set of pack
// ids a set of file results reference.
func collectPackRefs(results []packer.FileResult) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, r := range results {
		for _, c := range r.Chunks {
			if !seen[c.PackID] {
				seen[c.PackID] = true
				refs = append(refs, c.PackID)
			}
		}
	}
	return refs
}

func joinPackRefs(refs []string) string {
	out := ""
	for i, r := range refs {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

// newSnapshotID derives a snapshot id from the current time, unique
// enough for one identity's own sequential backup history.
func newSnapshotID() string {
	return fmt.Sprintf("snap-%d", time.Now().UnixNano())
}
