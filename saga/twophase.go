package saga

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"txcoord/txerror"
)

// PreparedHandle is the participant-defined token produced by a successful
// prepare. The orchestrator hands it back unchanged to Commit or Abort.
type PreparedHandle any

// PrepareRequest carries the per-participant arguments of one two-phase
// transaction.
type PrepareRequest struct {
	TxID string         `json:"txID"`
	Data map[string]any `json:"data"`
}

// Participant takes part in the two-phase mode: it must hold the prepared
// resources until the orchestrator's decision. Prepare either reserves and
// returns a handle or fails; Commit and Abort consume the handle and are
// expected to be idempotent.
type Participant interface {
	Name() string
	Prepare(ctx context.Context, req *PrepareRequest) (PreparedHandle, error)
	Commit(ctx context.Context, handle PreparedHandle) error
	Abort(ctx context.Context, handle PreparedHandle) error
}

// Registry holds the participants addressable by two-phase transactions.
type Registry struct {
	mu           sync.Mutex
	participants map[string]Participant
}

func NewRegistry() *Registry {
	return &Registry{participants: make(map[string]Participant)}
}

func (r *Registry) Register(p Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.Name()]; ok {
		return errors.Errorf("participant %s already registered", p.Name())
	}
	r.participants[p.Name()] = p
	return nil
}

func (r *Registry) get(names ...string) ([]Participant, error) {
	participants := make([]Participant, 0, len(names))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		p, ok := r.participants[name]
		if !ok {
			return nil, errors.Errorf("participant %s not registered", name)
		}
		participants = append(participants, p)
	}
	return participants, nil
}

// TwoPhaseRequest names one participant and its prepare arguments.
type TwoPhaseRequest struct {
	Participant string         `json:"participant"`
	Data        map[string]any `json:"data"`
}

type preparedEntry struct {
	participant Participant
	handle      PreparedHandle
}

// ExecuteTwoPhase runs the stricter "prepare all, then commit all" mode:
// prepares fan out concurrently, and only when every participant has
// prepared does any commit happen. If any prepare fails, every prepared
// participant is aborted and the prepare error surfaces. This holds
// resources longer than Execute but never commits a partial outcome.
func (o *Orchestrator) ExecuteTwoPhase(ctx context.Context, registry *Registry, reqs ...*TwoPhaseRequest) (string, error) {
	if len(reqs) == 0 {
		return "", txerror.Newf(txerror.Fatal, "empty two-phase transaction")
	}

	names := make([]string, 0, len(reqs))
	dataByName := make(map[string]map[string]any, len(reqs))
	for _, req := range reqs {
		if _, ok := dataByName[req.Participant]; ok {
			return "", txerror.Newf(txerror.Fatal, "repeated participant: %s", req.Participant)
		}
		dataByName[req.Participant] = req.Data
		names = append(names, req.Participant)
	}

	participants, err := registry.get(names...)
	if err != nil {
		return "", txerror.New(txerror.Fatal, err)
	}

	txID := uuid.NewString()
	prepared, prepareErr := o.prepareAll(ctx, txID, participants, dataByName)
	if prepareErr != nil {
		if abortErr := o.abortAll(ctx, txID, prepared, prepareErr); abortErr != nil {
			return txID, abortErr
		}
		return txID, errors.WithMessagef(prepareErr, "two-phase tx %s", txID)
	}

	return txID, o.commitAll(ctx, txID, prepared)
}

// prepareAll fans prepares out concurrently. The first failure cancels the
// in-flight rest; whatever did prepare is returned for aborting.
func (o *Orchestrator) prepareAll(ctx context.Context, txID string, participants []Participant, dataByName map[string]map[string]any) ([]preparedEntry, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	prepared := make([]preparedEntry, 0, len(participants))

	errCh := make(chan error)
	go func() {
		var wg sync.WaitGroup
		for _, p := range participants {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()

				handle, err := p.Prepare(pctx, &PrepareRequest{TxID: txID, Data: dataByName[p.Name()]})
				if err != nil {
					o.opts.Logger.Warn("two-phase prepare failed",
						zap.String("tx_id", txID),
						zap.String("participant", p.Name()),
						zap.Error(err))
					errCh <- errors.WithMessagef(err, "participant %s prepare", p.Name())
					return
				}

				mu.Lock()
				prepared = append(prepared, preparedEntry{participant: p, handle: handle})
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	for err := range errCh {
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return prepared, firstErr
}

// commitAll commits every prepared participant, detached from ctx
// cancellation: once the decision is commit, it is commit everywhere.
// A participant that prepared but cannot commit leaves the transaction in
// an unrecoverable state that is surfaced, never swallowed.
func (o *Orchestrator) commitAll(ctx context.Context, txID string, prepared []preparedEntry) error {
	commitCtx := context.WithoutCancel(ctx)

	var failures []CompensationFailure
	for _, entry := range prepared {
		if err := entry.participant.Commit(commitCtx, entry.handle); err != nil {
			o.opts.Logger.Error("two-phase commit failed",
				zap.String("tx_id", txID),
				zap.String("participant", entry.participant.Name()),
				zap.Error(err))
			failures = append(failures, CompensationFailure{
				Step: entry.participant.Name(),
				Err:  err,
			})
		}
	}

	if len(failures) > 0 {
		return txerror.New(txerror.UnrecoverableState, &CompensationError{
			SagaID:   txID,
			Failures: failures,
		})
	}
	return nil
}

// abortAll aborts prepared participants in reverse order after a failed
// prepare phase.
func (o *Orchestrator) abortAll(ctx context.Context, txID string, prepared []preparedEntry, cause error) error {
	abortCtx := context.WithoutCancel(ctx)

	var failures []CompensationFailure
	for i := len(prepared) - 1; i >= 0; i-- {
		entry := prepared[i]
		if err := entry.participant.Abort(abortCtx, entry.handle); err != nil {
			o.opts.Logger.Error("two-phase abort failed",
				zap.String("tx_id", txID),
				zap.String("participant", entry.participant.Name()),
				zap.Error(err))
			failures = append(failures, CompensationFailure{
				Step: entry.participant.Name(),
				Err:  err,
			})
		}
	}

	if len(failures) > 0 {
		return txerror.New(txerror.UnrecoverableState, &CompensationError{
			SagaID:   txID,
			Cause:    cause,
			Failures: failures,
		})
	}
	return nil
}
