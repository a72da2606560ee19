// Package raft implements the per-node state machine of a Raft consensus
// replica: role transitions, randomized leader election, log replication,
// commit advancement and ordered apply.
//
// A mutex-guarded struct exposes RPC-style handler methods plus a
// periodically-invoked tick, in place of direct peer dialing and
// process-wide timers: a registry.Registry hands out shared peer handles,
// and an executor.Executor runs every unit of work (ticks, election
// rounds, message dispatch) instead of bare goroutines.
package raft

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fjianc/raftcore/executor"
	"github.com/fjianc/raftcore/registry"
)

// Peers is the registry type a Replica is wired against. It is exported so
// callers can construct one with registry.New before wiring up replicas.
type Peers = registry.Registry[*Replica]

// Replica is one Raft node. All exported methods are mutually exclusive
// with one another (guarded by mu) and are safe to call from any
// goroutine; the executor is what actually makes calls concurrent across
// replicas.
type Replica struct {
	id       int
	registry *Peers
	exec     executor.Executor
	cfg      Config
	log      *zap.SugaredLogger

	mu sync.Mutex

	stopped  bool
	role     Role
	term     int
	votedFor int
	entries  []LogEntry

	commitIndex  int
	appliedIndex int
	appliedUser  []LogEntry // snapshot-accumulated user entries, in apply order

	heartbeatTicks int
	votesReceived  int

	nextIndex  map[int]int
	matchIndex map[int]int
}

// NewReplica constructs a Replica in its zero (State::None-equivalent)
// state. It is not running until Start is called. logger may be nil, in
// which case a no-op logger is used.
func NewReplica(id int, reg *Peers, exec executor.Executor, cfg Config, logger *zap.SugaredLogger) *Replica {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Replica{
		id:       id,
		registry: reg,
		exec:     exec,
		cfg:      cfg,
		log:      logger.With("replica", id),
		role:     RoleNone,
	}
}

// ID implements registry.Replica.
func (r *Replica) ID() int { return r.id }

// --- read-only accessors, each a snapshot taken under the lock ---

// Role returns the replica's current role.
func (r *Replica) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Term returns the replica's current term.
func (r *Replica) Term() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.term
}

// IsStopped reports whether the replica is currently stopped.
func (r *Replica) IsStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// CommitIndex returns the replica's current commit index.
func (r *Replica) CommitIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

// AppliedIndex returns the replica's current applied index.
func (r *Replica) AppliedIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appliedIndex
}

// KnownLeader returns this replica's best guess at the current leader's
// id, or 0 if unknown. It is simply voted_for, which AddLog also uses as
// its advisory redirect.
func (r *Replica) KnownLeader() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.votedFor
}

// AppliedLog returns a snapshot copy of the user-origin entries applied so
// far, in index order. This is the core's apply-sink contract: a consumer reads a consistent
// handler-boundary snapshot, never the live slice.
func (r *Replica) AppliedLog() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.appliedUser))
	copy(out, r.appliedUser)
	return out
}

// LogLen returns the number of entries currently in the log, including
// system entries.
func (r *Replica) LogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// --- lifecycle ---

// Start initializes all fields and installs the periodic tick. Per
// convention, log[0] is always a system entry at term 0 after Start.
func (r *Replica) Start() {
	r.mu.Lock()
	r.stopped = false
	r.heartbeatTicks = 0
	r.votesReceived = 0

	r.role = RoleFollower
	r.term = 0
	r.votedFor = 0
	r.entries = []LogEntry{{Index: 0, Term: 0, Origin: OriginSystem, Payload: []byte("Start")}}

	r.commitIndex = 0
	r.appliedIndex = 0
	r.appliedUser = nil

	r.nextIndex = nil
	r.matchIndex = nil
	r.mu.Unlock()

	r.log.Debugw("started")
	r.scheduleTick()
}

// Stop is a soft cancel: subsequent handlers short-circuit, but durable
// state (term, voted_for, log, commit_index, applied_index) is preserved.
// The tick loop keeps running and simply observes the
// stopped flag on each firing.
func (r *Replica) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.log.Debugw("stopped")
}

// ReStart clears volatile leader-only state and re-enters the running
// set. term, voted_for, log, commit_index and applied_index are left
// untouched, and so, notably, is role: a replica that was Leader when
// stopped resumes believing it still is, exactly as the C++ original does
// (its ReStart leaves m_state alone) — it self-corrects once it observes
// a higher term via RequestVote or RequestAppendEntries.
func (r *Replica) ReStart() {
	r.mu.Lock()
	r.stopped = false
	r.heartbeatTicks = 0
	r.votesReceived = 0
	r.nextIndex = nil
	r.matchIndex = nil
	r.mu.Unlock()
	r.log.Debugw("restarted")
}

// AddLog appends a user payload to the log if this replica is the
// leader, returning 0. Otherwise it returns the replica's best-known
// leader id (voted_for), or 0 if unknown; a stopped replica always
// returns 0. There is no synchronous replication; the periodic tick drives
// dissemination.
func (r *Replica) AddLog(payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return 0
	}
	if r.role != RoleLeader {
		return r.votedFor
	}

	entry := LogEntry{Index: len(r.entries), Term: r.term, Origin: OriginUser, Payload: payload}
	r.entries = append(r.entries, entry)
	r.log.Debugw("appended log entry", "index", entry.Index, "term", entry.Term)
	return 0
}

// --- periodic tick (Update) ---

// scheduleTick submits one bounded unit of tick work to the executor: it
// sleeps the tick interval, performs one Update, and resubmits itself.
// Because each firing is its own executor task (rather than one
// forever-running goroutine), the executor can stop accepting new work at
// shutdown without blocking on an endless loop — Close() only has to wait
// for whichever single tick is in flight.
func (r *Replica) scheduleTick() {
	_ = r.exec.Submit(func() {
		time.Sleep(r.cfg.TickInterval)
		r.tick()
		r.scheduleTick()
	})
}

// tick is the periodic Update action: dispatch as leader, track heartbeat
// timeout as follower, then advance commit and apply regardless of role.
func (r *Replica) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	switch r.role {
	case RoleLeader:
		r.dispatchAppendEntriesLocked()
	case RoleFollower:
		r.heartbeatTicks++
		if r.heartbeatTicks >= r.cfg.HeartbeatTimeoutTicks {
			r.heartbeatTicks = 0
			r.role = RoleCandidate
			r.log.Infow("heartbeat timeout, becoming candidate")
			r.scheduleElection()
		}
	case RoleCandidate:
		// the election task drives campaigning; nothing to do here.
	}

	r.advanceCommitLocked()
	r.advanceApplyLocked()
}

// dispatchAppendEntriesLocked builds and dispatches one AppendEntries per
// known peer. Must be called with mu held.
func (r *Replica) dispatchAppendEntriesLocked() {
	for _, id := range r.registry.AllKeys() {
		if id == r.id {
			continue
		}
		next, ok := r.nextIndex[id]
		if !ok {
			continue // peer not yet tracked (shouldn't happen post-BecomeLeader)
		}

		prevLogIndex := next - 1
		prevLogTerm := 0
		if prevLogIndex >= 0 && prevLogIndex < len(r.entries) {
			prevLogTerm = r.entries[prevLogIndex].Term
		}

		var toSend []LogEntry
		if next < len(r.entries) {
			toSend = append(toSend, r.entries[next:]...)
		}

		args := AppendEntriesArgs{
			Term:         r.term,
			LeaderID:     r.id,
			CommitIndex:  r.commitIndex,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      toSend,
		}

		target := id
		_ = r.exec.Submit(func() {
			r.registry.Get(target).RequestAppendEntries(args)
		})
	}
}

// advanceCommitLocked advances commitIndex to the median match index:
// entries from earlier terms are never committed by counting alone, only
// indirectly once a current-term entry is committed. Must be called with
// mu held.
func (r *Replica) advanceCommitLocked() {
	if r.role != RoleLeader || len(r.matchIndex) == 0 {
		return
	}

	// Include self's implicit presence: self is always caught up with its
	// own log, so the quorum computation folds in len(entries)-1 alongside
	// every peer's match index.
	combined := make([]int, 0, len(r.matchIndex)+1)
	for _, idx := range r.matchIndex {
		combined = append(combined, idx)
	}
	combined = append(combined, len(r.entries)-1)
	sort.Ints(combined)

	median := combined[len(combined)/2]
	if median >= 0 && median < len(r.entries) && r.entries[median].Term == r.term {
		if median > r.commitIndex {
			r.commitIndex = median
		}
	}
}

// advanceApplyLocked emits newly-committed user entries in strictly
// increasing index order. Must be called with mu held.
func (r *Replica) advanceApplyLocked() {
	for r.appliedIndex <= r.commitIndex && r.appliedIndex < len(r.entries) {
		entry := r.entries[r.appliedIndex]
		if entry.Origin == OriginUser {
			r.appliedUser = append(r.appliedUser, entry)
		}
		r.appliedIndex++
	}
}

// --- election ---

// scheduleElection submits one bounded round of the campaign loop
// described below.
func (r *Replica) scheduleElection() {
	_ = r.exec.Submit(r.electionRound)
}

func (r *Replica) electionRound() {
	delay := randDuration(r.cfg.ElectionTimeoutMin, r.cfg.ElectionTimeoutMax)
	time.Sleep(delay)

	r.mu.Lock()
	if r.stopped || r.role != RoleCandidate {
		r.mu.Unlock()
		return
	}

	r.term++
	r.votedFor = r.id
	r.votesReceived = 1
	term := r.term
	lastIndex := len(r.entries) - 1
	lastTerm := 0
	if lastIndex >= 0 {
		lastTerm = r.entries[lastIndex].Term
	}
	peerIDs := r.registry.AllKeys()
	r.log.Infow("starting campaign", "term", term)
	r.mu.Unlock()

	args := RequestVoteArgs{
		Term:         term,
		CandidateID:  r.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, id := range peerIDs {
		if id == r.id {
			continue
		}
		target := id
		_ = r.exec.Submit(func() {
			r.registry.Get(target).RequestVote(args)
		})
	}

	// The loop repeats with a fresh random delay so that split votes
	// progress to new terms without external prompting.
	r.scheduleElection()
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)))
}

// --- RequestVote / ReplyVote ---

// RequestVote handles a candidate's vote solicitation.
func (r *Replica) RequestVote(args RequestVoteArgs) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	var reply RequestVoteReply

	if args.Term > r.term {
		// A newer term always supersedes ours; step down before deciding
		// whether to grant the vote, clearing any stale vote record.
		r.becomeFollowerLocked(args.Term, 0)
	}

	eligible := args.Term == r.term && (r.votedFor == 0 || r.votedFor == args.CandidateID)
	myLastTerm := 0
	if n := len(r.entries); n > 0 {
		myLastTerm = r.entries[n-1].Term
	}
	logUpToDate := args.LastLogTerm > myLastTerm ||
		(args.LastLogTerm == myLastTerm && args.LastLogIndex >= len(r.entries)-1)

	if eligible && logUpToDate {
		r.becomeFollowerLocked(args.Term, args.CandidateID)
		reply.VoteGranted = true
	}

	// A denied vote still forces a Leader to step down: two replicas can
	// independently reach the same term number (e.g. a split vote), and a
	// Leader whose log is merely ahead of the requesting candidate must not
	// keep believing it's Leader once it sees another replica campaigning
	// at its term.
	if !reply.VoteGranted && r.role == RoleLeader && args.Term == r.term {
		r.becomeFollowerLocked(args.Term, 0)
	}

	reply.Term = r.term
	r.log.Debugw("handled vote request", "candidate", args.CandidateID, "granted", reply.VoteGranted)

	candidate := args.CandidateID
	_ = r.exec.Submit(func() {
		r.registry.Get(candidate).ReplyVote(reply)
	})
}

// ReplyVote handles a voter's response to an earlier RequestVote.
func (r *Replica) ReplyVote(reply RequestVoteReply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.role != RoleCandidate {
		return
	}

	if reply.VoteGranted {
		r.votesReceived++
		if r.votesReceived >= r.cfg.quorum() {
			r.becomeLeaderLocked()
		}
	} else if reply.Term > r.term {
		r.becomeFollowerLocked(reply.Term, 0)
	}
}

// --- role transitions ---

// becomeLeaderLocked transitions to Leader and resets per-term leader
// state. Must be called with mu held.
func (r *Replica) becomeLeaderLocked() {
	r.role = RoleLeader
	r.heartbeatTicks = 0
	r.votesReceived = 0
	r.votedFor = 0

	r.nextIndex = make(map[int]int)
	r.matchIndex = make(map[int]int)
	for _, id := range r.registry.AllKeys() {
		if id == r.id {
			continue
		}
		r.nextIndex[id] = 0
		r.matchIndex[id] = 0
	}

	r.entries = append(r.entries, LogEntry{
		Index:   len(r.entries),
		Term:    r.term,
		Origin:  OriginSystem,
		Payload: []byte("ToLeader:" + strconv.Itoa(r.id)),
	})
	r.log.Infow("became leader", "term", r.term)
}

// becomeFollowerLocked transitions to Follower at the given term and
// vote. Monotonicity of term is not enforced here — callers must only
// invoke with newTerm >= current term. Must be called with mu held.
func (r *Replica) becomeFollowerLocked(newTerm, votedFor int) {
	r.role = RoleFollower
	r.heartbeatTicks = 0
	r.votesReceived = 0
	r.term = newTerm
	r.votedFor = votedFor
}

// --- RequestAppendEntries / ReplyAppendEntries ---

// RequestAppendEntries is the follower-side append/heartbeat handler.
func (r *Replica) RequestAppendEntries(args AppendEntriesArgs) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	var reply AppendEntriesReply

	if args.Term < r.term {
		reply.Success = false
	} else {
		r.heartbeatTicks = 0
		r.term = args.Term
		if r.role != RoleFollower {
			r.becomeFollowerLocked(args.Term, args.LeaderID)
		}

		if len(args.Entries) == 0 {
			// Heartbeat: advance commit index if the anchor matches, but
			// never reply — heartbeats are deliberately unacknowledged
			// by design.
			if r.commitIndex < args.CommitIndex &&
				args.PrevLogIndex >= 0 && args.PrevLogIndex < len(r.entries) &&
				r.entries[args.PrevLogIndex].Term == args.PrevLogTerm {
				r.commitIndex = min(args.PrevLogIndex, args.CommitIndex)
			}
			return
		}

		switch {
		case r.commitIndex >= args.PrevLogIndex+len(args.Entries):
			// Already covered by commit; idempotent no-op success.
			reply.Success = true
		case args.PrevLogIndex >= len(r.entries) ||
			(args.PrevLogIndex >= 0 && r.entries[args.PrevLogIndex].Term != args.PrevLogTerm):
			reply.Success = false
		default:
			r.entries = append(r.entries[:args.PrevLogIndex+1:args.PrevLogIndex+1], args.Entries...)
			if r.commitIndex < args.CommitIndex {
				r.commitIndex = min(args.CommitIndex, max(args.PrevLogIndex, r.commitIndex))
			}
			reply.Success = true
		}
	}

	reply.ID = r.id
	reply.Term = r.term
	reply.LogCount = len(args.Entries)
	reply.CommitIndex = r.commitIndex

	leader := args.LeaderID
	_ = r.exec.Submit(func() {
		r.registry.Get(leader).ReplyAppendEntries(reply)
	})
}

// ReplyAppendEntries is the leader-side append-result handler.
func (r *Replica) ReplyAppendEntries(reply AppendEntriesReply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped || r.role != RoleLeader {
		return
	}

	if _, ok := r.nextIndex[reply.ID]; !ok {
		return
	}

	if reply.Success {
		if reply.LogCount > 0 {
			next := r.nextIndex[reply.ID] + reply.LogCount - 1
			if next > r.matchIndex[reply.ID] {
				r.matchIndex[reply.ID] = next
			}
			r.nextIndex[reply.ID] += reply.LogCount
		}
		return
	}

	// Failure: if the follower's term isn't ahead of ours, back off to its
	// reported commit index, which converges faster than decrementing by
	// one position per round.
	if reply.Term <= r.term {
		r.nextIndex[reply.ID] = reply.CommitIndex + 1
	}
	// else: a higher term will be discovered via RequestVote or a future
	// higher-term append; nothing to do here.
}
