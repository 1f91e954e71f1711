// Package chain declares the external collaborators the event processor
// consults to evaluate and submit invoice fulfillments: minimum-amount
// and balance providers, and the intent submitter. The signer and RPC
// clients are explicitly out of scope here — these interfaces are the
// seam the processor depends on, with a minimal in-memory stub for tests
// and for running the repo without a live chain adapter wired in.
package chain

import (
	"context"
	"fmt"
	"sync"
)

// SubmittedIntent describes a fulfilling intent about to be submitted
// on-chain, built from a SplitIntentPlanner allocation.
type SubmittedIntent struct {
	IntentID     string
	TickerHash   string
	Origin       string
	Destinations []string
	Amount       string
	Params       map[string]string
}

// MinAmountsProvider reports the minimum fillable amount per destination
// domain for a ticker, keyed by domain id.
type MinAmountsProvider interface {
	MinAmounts(ctx context.Context, tickerHash string) (map[string]string, error)
}

// BalanceProvider reports available inventory per destination domain for a
// ticker, keyed by domain id.
type BalanceProvider interface {
	Balances(ctx context.Context, tickerHash string) (map[string]string, error)
}

// IntentSubmitter submits a fulfilling intent to its destination chain and
// returns the resulting transaction hash. Submission is not naturally
// idempotent on-chain — the purchase cache (internal/purchase) is what
// prevents duplicate submission; IntentSubmitter itself fires once per call.
type IntentSubmitter interface {
	Submit(ctx context.Context, intent SubmittedIntent) (txHash string, err error)
}

// StaticProvider is an in-memory MinAmountsProvider/BalanceProvider stub
// keyed by ticker hash, used by tests and by deployments with no live
// balance feed wired in.
type StaticProvider struct {
	mu       sync.RWMutex
	minAmts  map[string]map[string]string
	balances map[string]map[string]string
}

// NewStaticProvider constructs a StaticProvider with no data; SetMinAmounts
// and SetBalances seed it.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		minAmts:  make(map[string]map[string]string),
		balances: make(map[string]map[string]string),
	}
}

// SetMinAmounts sets the min-amount table for tickerHash.
func (p *StaticProvider) SetMinAmounts(tickerHash string, amounts map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minAmts[tickerHash] = amounts
}

// SetBalances sets the balance table for tickerHash.
func (p *StaticProvider) SetBalances(tickerHash string, balances map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[tickerHash] = balances
}

// MinAmounts implements MinAmountsProvider.
func (p *StaticProvider) MinAmounts(_ context.Context, tickerHash string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minAmts[tickerHash], nil
}

// Balances implements BalanceProvider.
func (p *StaticProvider) Balances(_ context.Context, tickerHash string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balances[tickerHash], nil
}

// NoopSubmitter implements IntentSubmitter by fabricating a deterministic
// transaction hash without touching any network. It is the only submitter
// this repo ships; a real signer/RPC-backed submitter lives outside
// this core.
type NoopSubmitter struct{}

// Submit implements IntentSubmitter.
func (NoopSubmitter) Submit(_ context.Context, intent SubmittedIntent) (string, error) {
	return fmt.Sprintf("0xsimulated-%s", intent.IntentID), nil
}
