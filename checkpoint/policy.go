package checkpoint

import (
	"sync"

	"go.uber.org/zap"
)

// Policy decides whether a given step warrants a checkpoint and builds the
// metadata attached to it. Policies are substitutable: the manager only
// depends on this interface.
type Policy interface {
	// ShouldSave reports whether the current step should be checkpointed.
	ShouldSave(step StepContext) bool

	// BuildMetadata returns the metadata snapshot for the step.
	BuildMetadata(step StepContext) Metadata
}

// StepPolicy is the default policy: a matching trigger reason always saves;
// otherwise interval saves fire every SaveInterval evaluations per
// (thread, workflow). The counter increments under a lock on every
// evaluation regardless of outcome, so interval triggers fire exactly once
// per SaveInterval calls even when evaluations interleave.
type StepPolicy struct {
	cfg      Config
	mu       sync.Mutex
	counters map[string]int
	logger   *zap.Logger
}

// NewStepPolicy creates the default interval/trigger policy.
func NewStepPolicy(cfg Config, logger *zap.Logger) *StepPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepPolicy{
		cfg:      cfg,
		counters: make(map[string]int),
		logger:   logger.With(zap.String("component", "step_policy")),
	}
}

func policyKey(step StepContext) string {
	return step.ThreadID + "|" + step.WorkflowID
}

// ShouldSave increments the step counter and applies the trigger and
// interval rules.
func (p *StepPolicy) ShouldSave(step StepContext) bool {
	p.mu.Lock()
	p.counters[policyKey(step)]++
	count := p.counters[policyKey(step)]
	p.mu.Unlock()

	if !p.cfg.Enabled {
		return false
	}
	if p.cfg.triggersSave(step.TriggerReason) {
		return true
	}
	if p.cfg.AutoSave && p.cfg.SaveInterval > 0 && count%p.cfg.SaveInterval == 0 {
		return true
	}
	return false
}

// BuildMetadata snapshots the current step counter into checkpoint metadata.
func (p *StepPolicy) BuildMetadata(step StepContext) Metadata {
	p.mu.Lock()
	count := p.counters[policyKey(step)]
	p.mu.Unlock()

	return Metadata{
		ThreadID:      step.ThreadID,
		WorkflowID:    step.WorkflowID,
		StepCount:     count,
		NodeName:      step.NodeName,
		TriggerReason: step.TriggerReason,
	}
}

// Reset drops the counter for a (thread, workflow) pair. Called when a
// thread is deleted so a recreated thread starts over.
func (p *StepPolicy) Reset(threadID, workflowID string) {
	p.mu.Lock()
	delete(p.counters, threadID+"|"+workflowID)
	p.mu.Unlock()
}

var _ Policy = (*StepPolicy)(nil)

// AlwaysPolicy saves on every evaluation. Useful in tests and for threads
// whose every step matters.
type AlwaysPolicy struct{}

func (AlwaysPolicy) ShouldSave(StepContext) bool { return true }

func (AlwaysPolicy) BuildMetadata(step StepContext) Metadata {
	return Metadata{
		ThreadID:      step.ThreadID,
		WorkflowID:    step.WorkflowID,
		NodeName:      step.NodeName,
		TriggerReason: step.TriggerReason,
	}
}

// NeverPolicy suppresses all automatic saves; explicit CreateCheckpoint
// calls still work.
type NeverPolicy struct{}

func (NeverPolicy) ShouldSave(StepContext) bool { return false }

func (NeverPolicy) BuildMetadata(step StepContext) Metadata {
	return Metadata{ThreadID: step.ThreadID, WorkflowID: step.WorkflowID}
}

// SizePolicy saves once the serialized state payload crosses a byte
// threshold, so fat states are snapshotted before they grow further.
type SizePolicy struct {
	Threshold int
	codec     *Codec
}

// NewSizePolicy creates a size-based policy with the given byte threshold.
func NewSizePolicy(threshold int) *SizePolicy {
	return &SizePolicy{Threshold: threshold, codec: NewCodec(false)}
}

func (p *SizePolicy) ShouldSave(step StepContext) bool {
	if p.Threshold <= 0 || step.State == nil {
		return false
	}
	data, err := p.codec.Encode(step.State)
	if err != nil {
		return false
	}
	return len(data) >= p.Threshold
}

func (p *SizePolicy) BuildMetadata(step StepContext) Metadata {
	return Metadata{
		ThreadID:      step.ThreadID,
		WorkflowID:    step.WorkflowID,
		NodeName:      step.NodeName,
		TriggerReason: step.TriggerReason,
		Custom:        map[string]any{"size_threshold": p.Threshold},
	}
}

var (
	_ Policy = AlwaysPolicy{}
	_ Policy = NeverPolicy{}
	_ Policy = (*SizePolicy)(nil)
)
