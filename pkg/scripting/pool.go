package scripting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// ErrPoolClosed is returned when acquiring from a closed pool.
var ErrPoolClosed = errors.New("pool is closed")

// VMPool manages reusable JavaScript VMs sandboxed at one security level.
type VMPool struct {
	pool          chan *PooledVM
	securityLevel string
	maxSize       int
	maxReuseCount int
	currentSize   atomic.Int32
	totalCreated  atomic.Int64
	totalAcquired atomic.Int64
	totalReleased atomic.Int64
	mu            sync.Mutex
	closed        bool
}

// PooledVM is a VM on loan from a pool.
type PooledVM struct {
	vm         *goja.Runtime
	baseline   map[string]bool
	createdAt  time.Time
	lastUsedAt time.Time
	reuseCount int
	mu         sync.RWMutex // guards vm against the interrupt goroutine
}

// Runtime returns the underlying goja runtime.
func (p *PooledVM) Runtime() *goja.Runtime {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.vm
}

// Interrupt stops the script running on the VM, if any.
func (p *PooledVM) Interrupt(reason any) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.vm != nil {
		p.vm.Interrupt(reason)
	}
}

// PoolConfig defines the configuration for a VM pool.
type PoolConfig struct {
	MinSize       int // VMs created up front
	MaxSize       int // upper bound of live VMs
	MaxReuseCount int // acquisitions before a VM is recreated
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinSize:       0,
		MaxSize:       50,
		MaxReuseCount: 1000,
	}
}

// NewVMPool creates a pool whose VMs are sandboxed at securityLevel.
func NewVMPool(securityLevel string, cfg PoolConfig) (*VMPool, error) {
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultPoolConfig().MaxSize
	}
	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}
	if cfg.MaxReuseCount <= 0 {
		cfg.MaxReuseCount = DefaultPoolConfig().MaxReuseCount
	}

	pool := &VMPool{
		pool:          make(chan *PooledVM, cfg.MaxSize),
		securityLevel: securityLevel,
		maxSize:       cfg.MaxSize,
		maxReuseCount: cfg.MaxReuseCount,
	}
	for range cfg.MinSize {
		vm, err := pool.createVM()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create initial VM: %w", err)
		}
		pool.pool <- vm
	}
	return pool, nil
}

// Acquire gets a VM from the pool or creates a new one. At capacity it
// waits for a release or for ctx to end.
func (p *VMPool) Acquire(ctx context.Context) (*PooledVM, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	p.totalAcquired.Add(1)

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.reuse(vm)
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if int(p.currentSize.Load()) < p.maxSize {
		return p.createVM()
	}

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, ErrPoolClosed
		}
		return p.reuse(vm)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reuse hands out a pooled VM, replacing it when unhealthy or worn out.
func (p *VMPool) reuse(vm *PooledVM) (*PooledVM, error) {
	if !p.isVMHealthy(vm) || vm.reuseCount+1 >= p.maxReuseCount {
		p.destroyVM(vm)
		return p.createVM()
	}
	vm.lastUsedAt = time.Now()
	vm.reuseCount++
	return vm, nil
}

// Release resets a VM and returns it to the pool.
func (p *VMPool) Release(vm *PooledVM) error {
	if vm == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyVM(vm)
		return nil
	}
	p.mu.Unlock()

	p.totalReleased.Add(1)

	if err := p.resetVM(vm); err != nil {
		p.destroyVM(vm)
		return fmt.Errorf("failed to reset VM: %w", err)
	}

	select {
	case p.pool <- vm:
	default:
		p.destroyVM(vm)
	}
	return nil
}

func (p *VMPool) createVM() (*PooledVM, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := NewSandbox(p.securityLevel).Apply(vm); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}

	baseline, err := globalNames(vm)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	p.currentSize.Add(1)
	p.totalCreated.Add(1)
	return &PooledVM{vm: vm, baseline: baseline, createdAt: now, lastUsedAt: now}, nil
}

func globalNames(vm *goja.Runtime) (map[string]bool, error) {
	v, err := vm.RunString(`Object.getOwnPropertyNames(globalThis)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list globals: %w", err)
	}
	var names []string
	if err := vm.ExportTo(v, &names); err != nil {
		return nil, fmt.Errorf("failed to list globals: %w", err)
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

// resetVM removes every global added since the VM was created.
func (p *VMPool) resetVM(vm *PooledVM) error {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.vm == nil {
		return errors.New("vm destroyed")
	}
	vm.vm.ClearInterrupt()

	current, err := globalNames(vm.vm)
	if err != nil {
		return err
	}
	global := vm.vm.GlobalObject()
	for name := range current {
		if vm.baseline[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("failed to delete global %s: %w", name, err)
		}
	}
	return nil
}

func (p *VMPool) destroyVM(vm *PooledVM) {
	if vm == nil {
		return
	}
	vm.mu.Lock()
	vm.vm = nil
	vm.mu.Unlock()
	p.currentSize.Add(-1)
}

// isVMHealthy evaluates a trivial expression on the VM.
func (p *VMPool) isVMHealthy(vm *PooledVM) bool {
	if vm == nil {
		return false
	}
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.vm == nil {
		return false
	}
	_, err := vm.vm.RunString("1+1")
	return err == nil
}

// Close closes the pool and destroys all idle VMs.
func (p *VMPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.pool)
	for vm := range p.pool {
		p.destroyVM(vm)
	}
	return nil
}

// Stats returns pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		SecurityLevel: p.securityLevel,
		CurrentSize:   int(p.currentSize.Load()),
		MaxSize:       p.maxSize,
		TotalCreated:  p.totalCreated.Load(),
		TotalAcquired: p.totalAcquired.Load(),
		TotalReleased: p.totalReleased.Load(),
		Available:     len(p.pool),
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	SecurityLevel string `json:"security_level"`
	CurrentSize   int    `json:"current_size"`
	MaxSize       int    `json:"max_size"`
	TotalCreated  int64  `json:"total_created"`
	TotalAcquired int64  `json:"total_acquired"`
	TotalReleased int64  `json:"total_released"`
	Available     int    `json:"available"`
}

func (s PoolStats) String() string {
	return fmt.Sprintf(
		"Pool Stats: Level=%s, Current=%d, Max=%d, Created=%d, Acquired=%d, Released=%d, Available=%d",
		s.SecurityLevel, s.CurrentSize, s.MaxSize, s.TotalCreated, s.TotalAcquired, s.TotalReleased, s.Available,
	)
}

// Pools holds one VMPool per security level, created on first use.
type Pools struct {
	cfg   PoolConfig
	mu    sync.Mutex
	pools map[string]*VMPool
}

// NewPools creates an empty pool set.
func NewPools(cfg PoolConfig) *Pools {
	return &Pools{cfg: cfg, pools: make(map[string]*VMPool)}
}

// Get returns the pool for securityLevel.
func (ps *Pools) Get(securityLevel string) (*VMPool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.pools[securityLevel]; ok {
		return p, nil
	}
	p, err := NewVMPool(securityLevel, ps.cfg)
	if err != nil {
		return nil, err
	}
	ps.pools[securityLevel] = p
	return p, nil
}

// Close closes every pool.
func (ps *Pools) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var errs []error
	for _, p := range ps.pools {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
