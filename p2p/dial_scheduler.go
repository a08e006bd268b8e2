// dial_scheduler.go implements outbound dial scheduling: a static pool of
// always-dial nodes, a dynamic stream of discovered candidates, a dial
// history used to avoid redialing too soon, and a free-slots computation
// that bounds the number of dials in flight relative to how many peer slots
// remain open.
package p2p

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Dial scheduler errors, returned by checkDial to explain a rejected candidate.
var (
	ErrDialSelf            = errors.New("p2p: dial rejected: self node ID")
	ErrDialNoPort          = errors.New("p2p: dial rejected: node advertises no TCP port")
	ErrDialAlreadyDialing  = errors.New("p2p: dial rejected: already dialing")
	ErrDialAlreadyPeer     = errors.New("p2p: dial rejected: already connected")
	ErrDialNetRestricted   = errors.New("p2p: dial rejected: address not allowed by net restriction")
	ErrDialRecentlyAttempt = errors.New("p2p: dial rejected: recent attempt still in history")
)

// dialHistoryExpiry is the duration a completed dial attempt stays in the
// history and blocks a redial of the same node.
const dialHistoryExpiry = 35 * time.Second

// DialTask represents a single outbound dial attempt against a node.
type DialTask struct {
	Node      *Node
	Static    bool // true if drawn from the static pool, false if dynamic.
	StartedAt time.Time
}

// NetRestriction reports whether an IP address is permitted to be dialed.
// A nil NetRestriction permits all addresses.
type NetRestriction interface {
	Allowed(n *Node) bool
}

// DialConfig configures a DialScheduler.
type DialConfig struct {
	MaxDialPeers   int            // Target number of outbound peer slots to fill.
	MaxActiveDials int            // Hard cap on dials in flight regardless of free_slots.
	Dialer         Dialer         // Used to perform the actual TCP dial; defaults to TCPDialer.
	NetRestrict    NetRestriction // Optional; nil means unrestricted.
	SelfID         NodeID         // This node's own ID, rejected as a dial target.
}

// dialHistoryEntry records when a dial attempt against a node completed.
type dialHistoryEntry struct {
	expiresAt time.Time
}

// DialScheduler maintains the static dial pool, in-flight dial set, and dial
// history, and decides which candidate nodes are eligible to dial next.
//
// Maintains: dialing, peers, static_tasks, static_pool, history.
type DialScheduler struct {
	mu sync.Mutex

	cfg    DialConfig
	dialer Dialer

	staticPool  []*Node            // Static nodes eligible for (re)dial.
	staticTasks map[NodeID]bool    // Static node IDs with an active or pending task.
	dialing     map[NodeID]*DialTask
	peers       map[NodeID]bool    // Currently connected peer IDs (dial_peers_count source).
	history     map[NodeID]dialHistoryEntry

	quit chan struct{}
	wg   sync.WaitGroup

	// setupConn is invoked for every node that is started as a dial task; it
	// performs the actual connection + handshake and reports completion via
	// TaskDone. Overridable by tests.
	setupConn func(task *DialTask)
}

// NewDialScheduler creates a scheduler with the given configuration.
func NewDialScheduler(cfg DialConfig) *DialScheduler {
	if cfg.MaxDialPeers <= 0 {
		cfg.MaxDialPeers = 25
	}
	if cfg.MaxActiveDials <= 0 {
		cfg.MaxActiveDials = 16
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &TCPDialer{}
	}
	ds := &DialScheduler{
		cfg:         cfg,
		dialer:      dialer,
		staticTasks: make(map[NodeID]bool),
		dialing:     make(map[NodeID]*DialTask),
		peers:       make(map[NodeID]bool),
		history:     make(map[NodeID]dialHistoryEntry),
		quit:        make(chan struct{}),
	}
	return ds
}

// AddStatic adds a node to the static pool if it is not already pending or
// in flight as a static dial.
func (ds *DialScheduler) AddStatic(n *Node) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.staticTasks[n.ID] {
		return
	}
	ds.staticPool = append(ds.staticPool, n)
	ds.staticTasks[n.ID] = true
}

// RemoveStatic removes a node from the static pool and clears its task flag.
func (ds *DialScheduler) RemoveStatic(id NodeID) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.staticTasks, id)
	for i, n := range ds.staticPool {
		if n.ID == id {
			ds.staticPool = append(ds.staticPool[:i], ds.staticPool[i+1:]...)
			break
		}
	}
}

// PeerAdded records that a node is now a connected peer, for dial_peers_count.
func (ds *DialScheduler) PeerAdded(id NodeID) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.peers[id] = true
}

// PeerRemoved records that a node is no longer a connected peer.
func (ds *DialScheduler) PeerRemoved(id NodeID) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.peers, id)
}

// freeSlotsLocked computes free_slots = min(max_active_dials,
// 2*(max_dial_peers - dial_peers_count)) - dialing.count. Caller must hold ds.mu.
func (ds *DialScheduler) freeSlotsLocked() int {
	remaining := ds.cfg.MaxDialPeers - len(ds.peers)
	if remaining < 0 {
		remaining = 0
	}
	bound := 2 * remaining
	if bound > ds.cfg.MaxActiveDials {
		bound = ds.cfg.MaxActiveDials
	}
	free := bound - len(ds.dialing)
	if free < 0 {
		free = 0
	}
	return free
}

// FreeSlots returns the current number of available dial slots.
func (ds *DialScheduler) FreeSlots() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.freeSlotsLocked()
}

// checkDial rejects: self-id, tcp_port=0, already dialing, already
// connected, net-restricted, or present in history (within the expiry
// window of a prior attempt). Caller must hold ds.mu.
func (ds *DialScheduler) checkDialLocked(n *Node) error {
	if ds.cfg.SelfID != "" && n.ID == ds.cfg.SelfID {
		return ErrDialSelf
	}
	if n.TCP == 0 {
		return ErrDialNoPort
	}
	if _, dialing := ds.dialing[n.ID]; dialing {
		return ErrDialAlreadyDialing
	}
	if ds.peers[n.ID] {
		return ErrDialAlreadyPeer
	}
	if ds.cfg.NetRestrict != nil && !ds.cfg.NetRestrict.Allowed(n) {
		return ErrDialNetRestricted
	}
	if entry, ok := ds.history[n.ID]; ok && time.Now().Before(entry.expiresAt) {
		return ErrDialRecentlyAttempt
	}
	return nil
}

// CheckDial reports whether n is currently eligible to be dialed.
func (ds *DialScheduler) CheckDial(n *Node) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.expireHistoryLocked()
	return ds.checkDialLocked(n)
}

// expireHistoryLocked drops history entries past their expiry. Caller must
// hold ds.mu.
func (ds *DialScheduler) expireHistoryLocked() {
	now := time.Now()
	for id, entry := range ds.history {
		if !now.Before(entry.expiresAt) {
			delete(ds.history, id)
		}
	}
}

// Tick runs one scheduling pass: it fills free dial slots first from the
// static pool (in random order, matching "pop a random static task"), then
// from the supplied dynamic candidates, starting a DialTask for each
// candidate that passes checkDial until slots are exhausted.
func (ds *DialScheduler) Tick(dynamicCandidates []*Node) []*DialTask {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.expireHistoryLocked()
	started := make([]*DialTask, 0)

	free := ds.freeSlotsLocked()
	for free > 0 && len(ds.staticPool) > 0 {
		idx := rand.Intn(len(ds.staticPool))
		n := ds.staticPool[idx]
		ds.staticPool = append(ds.staticPool[:idx], ds.staticPool[idx+1:]...)

		if err := ds.checkDialLocked(n); err != nil {
			// Not eligible right now; it stays out of the pool until its
			// static task flag is cleared by TaskDone, which re-queues it.
			continue
		}
		task := ds.startTaskLocked(n, true)
		started = append(started, task)
		free--
	}

	for _, n := range dynamicCandidates {
		if free <= 0 {
			break
		}
		if err := ds.checkDialLocked(n); err != nil {
			continue
		}
		task := ds.startTaskLocked(n, false)
		started = append(started, task)
		free--
	}

	return started
}

// startTaskLocked records a node as dialing. Caller must hold ds.mu.
func (ds *DialScheduler) startTaskLocked(n *Node, static bool) *DialTask {
	task := &DialTask{Node: n, Static: static, StartedAt: time.Now()}
	ds.dialing[n.ID] = task
	return task
}

// TaskDone marks a dial task as complete, removing it from the in-flight
// set and recording a history entry. If the task was static, the node is
// re-added to the static pool so it remains a candidate for future ticks
// once its history entry expires.
func (ds *DialScheduler) TaskDone(task *DialTask) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	delete(ds.dialing, task.Node.ID)
	ds.history[task.Node.ID] = dialHistoryEntry{expiresAt: time.Now().Add(dialHistoryExpiry)}

	if task.Static {
		if ds.staticTasks[task.Node.ID] {
			ds.staticPool = append(ds.staticPool, task.Node)
		}
	}
}

// DialingCount returns the number of dial tasks currently in flight.
func (ds *DialScheduler) DialingCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.dialing)
}

// Run starts the dial loop: every interval it ticks the scheduler, pulling
// dynamic candidates from nextCandidates, and hands each started task to
// run for the actual dial + handshake. Run blocks until Stop is called.
func (ds *DialScheduler) Run(interval time.Duration, nextCandidates func() []*Node, run func(*DialTask)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ds.quit:
			return
		case <-ticker.C:
			var candidates []*Node
			if nextCandidates != nil {
				candidates = nextCandidates()
			}
			for _, task := range ds.Tick(candidates) {
				t := task
				ds.wg.Add(1)
				go func() {
					defer ds.wg.Done()
					defer ds.TaskDone(t)
					if run != nil {
						run(t)
					}
				}()
			}
		}
	}
}

// Stop terminates the dial loop and waits for in-flight tasks to finish.
func (ds *DialScheduler) Stop() {
	select {
	case <-ds.quit:
		return
	default:
		close(ds.quit)
	}
	ds.wg.Wait()
}
