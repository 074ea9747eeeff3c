package pool

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-sub001/engine"
)

// Config controls the warm process pool.
type Config struct {
	MaxProcesses   int           // pool capacity; LRU eviction beyond this
	VenvsDir       string        // per-digest virtualenvs root
	PythonBin      string        // interpreter used to bootstrap venvs
	ForceFreshVenv bool          // diagnostic: rebuild the venv on every spawn
	SpawnTimeout   time.Duration // deadline for venv install + ready call
	CallTimeout    time.Duration // per-call deadline; 0 waits forever
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxProcesses: 128,
		VenvsDir:     "/tmp/modelops/venvs",
		PythonBin:    "python3",
		SpawnTimeout: 15 * time.Minute,
	}
}

// Pool is a keyed pool of warm subprocesses, at most one per bundle digest.
// Reuse is LRU-ordered; a full pool evicts the least recently used process.
// Access to each process is serialised by its own mutex, not the pool's:
// the pool lock only guards membership.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	order *list.List               // front = least recently used
	byKey map[string]*list.Element // digest -> element holding *WarmProcess
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.MaxProcesses < 1 {
		cfg.MaxProcesses = 1
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	return &Pool{
		cfg:   cfg,
		order: list.New(),
		byKey: make(map[string]*list.Element),
	}
}

// GetProcess returns a live warm process for the digest, spawning one if
// needed. Dead processes are swept; a full pool evicts its LRU entry first.
func (p *Pool) GetProcess(digest, bundlePath string) (*WarmProcess, error) {
	p.mu.Lock()
	if elem, ok := p.byKey[digest]; ok {
		proc := elem.Value.(*WarmProcess)
		if proc.IsAlive() {
			p.order.MoveToBack(elem)
			proc.useCount++
			p.mu.Unlock()
			logrus.Debugf("reusing warm process for %s (use #%d)", digest[:12], proc.useCount)
			return proc, nil
		}
		logrus.Warnf("warm process for %s died, removing", digest[:12])
		p.removeLocked(elem)
	}

	for p.order.Len() >= p.cfg.MaxProcesses {
		p.evictLRULocked()
	}
	p.mu.Unlock()

	// Spawn outside the pool lock: venv install can take minutes and other
	// digests must not be blocked behind it.
	proc, err := spawnProcess(p.cfg, digest, bundlePath)
	if err != nil {
		return nil, err
	}
	engine.ProcessSpawnsTotal.Inc()

	p.mu.Lock()
	// A concurrent caller may have spawned the same digest while we did;
	// keep theirs, discard ours.
	if elem, ok := p.byKey[digest]; ok {
		existing := elem.Value.(*WarmProcess)
		if existing.IsAlive() {
			p.order.MoveToBack(elem)
			existing.useCount++
			p.mu.Unlock()
			go proc.Terminate()
			return existing, nil
		}
		p.removeLocked(elem)
	}
	proc.useCount = 1
	p.byKey[digest] = p.order.PushBack(proc)
	engine.WarmProcessGauge.Set(float64(p.order.Len()))
	p.mu.Unlock()
	return proc, nil
}

// ExecuteTask runs one simulation in the digest's warm process and returns
// the raw artifact map (name -> base64 payload). A transport failure poisons
// the process: it is terminated, removed, and the error propagated.
func (p *Pool) ExecuteTask(digest, bundlePath, entrypoint string, params map[string]any, seed int64) (map[string]string, error) {
	proc, err := p.GetProcess(digest, bundlePath)
	if err != nil {
		return nil, err
	}

	var artifacts map[string]string
	err = proc.Call("execute", map[string]any{
		"entrypoint":    entrypoint,
		"params":        params,
		"seed":          seed,
		"bundle_digest": digest,
	}, p.cfg.CallTimeout, &artifacts)
	if err != nil {
		p.poison(proc, err)
		return nil, err
	}
	return artifacts, nil
}

// ExecuteAggregation runs one target evaluation in the digest's warm
// process. sim_returns carry inline base64 artifact payloads.
func (p *Pool) ExecuteAggregation(digest, bundlePath, targetEntrypoint string, simReturns []map[string]any, targetData map[string]any) (map[string]any, error) {
	proc, err := p.GetProcess(digest, bundlePath)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"target_entrypoint": targetEntrypoint,
		"sim_returns":       simReturns,
		"bundle_digest":     digest,
	}
	if targetData != nil {
		params["target_data"] = targetData
	}

	var result map[string]any
	if err := proc.Call("aggregate", params, p.cfg.CallTimeout, &result); err != nil {
		p.poison(proc, err)
		return nil, err
	}
	return result, nil
}

// poison terminates a process whose transport failed and drops it from the
// pool. The underlying computation may still be running; it is abandoned.
func (p *Pool) poison(proc *WarmProcess, cause error) {
	logrus.Errorf("poisoning process for %s: %v", proc.Digest[:12], cause)
	p.mu.Lock()
	if elem, ok := p.byKey[proc.Digest]; ok && elem.Value.(*WarmProcess) == proc {
		p.removeLocked(elem)
	}
	p.mu.Unlock()
	proc.Terminate()
}

// ActiveCount returns the number of pooled processes.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}

// ShutdownAll terminates every pooled process.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	procs := make([]*WarmProcess, 0, p.order.Len())
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		procs = append(procs, elem.Value.(*WarmProcess))
	}
	p.order.Init()
	p.byKey = make(map[string]*list.Element)
	engine.WarmProcessGauge.Set(0)
	p.mu.Unlock()

	logrus.Infof("shutting down %d warm processes", len(procs))
	for _, proc := range procs {
		proc.Terminate()
	}
}

func (p *Pool) evictLRULocked() {
	elem := p.order.Front()
	if elem == nil {
		return
	}
	proc := elem.Value.(*WarmProcess)
	logrus.Infof("evicting LRU process for %s (used %d times)", proc.Digest[:12], proc.useCount)
	p.removeLocked(elem)
	engine.ProcessEvictionsTotal.Inc()
	// Terminate asynchronously: eviction happens under the pool lock and the
	// grace window must not stall unrelated digests.
	go proc.Terminate()
}

func (p *Pool) removeLocked(elem *list.Element) {
	proc := elem.Value.(*WarmProcess)
	p.order.Remove(elem)
	delete(p.byKey, proc.Digest)
	engine.WarmProcessGauge.Set(float64(p.order.Len()))
}

// String describes the pool for health reporting.
func (p *Pool) String() string {
	return fmt.Sprintf("warm pool: %d/%d processes", p.ActiveCount(), p.cfg.MaxProcesses)
}
