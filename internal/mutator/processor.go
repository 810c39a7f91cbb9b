package mutator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"notetree/api/internal/authz"
	"notetree/api/internal/fault"
	"notetree/api/internal/store"
)

const (
	NameInsertNote = "note.insert"
	NameUpdateNote = "note.update"
	NameDeleteNote = "note.delete"
	NameMoveNote   = "note.move"
	NameUpdateUser = "user.update"
)

var ErrUnknownMutation = fmt.Errorf("%w: unknown mutation", fault.ErrValidation)

// Mutation is one entry of a push batch.
type Mutation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type PushRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// MutationOutcome is the result of one mutation: empty on success,
// Error and Code set on failure.
type MutationOutcome struct {
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func (o MutationOutcome) Failed() bool {
	return o.Code != ""
}

type MutationResult struct {
	ID     int64           `json:"id"`
	Result MutationOutcome `json:"result"`
}

type PushResponse struct {
	Mutations []MutationResult `json:"mutations"`
}

// Hook observes committed changes. Hooks run after the transaction and must
// not fail the mutation.
type Hook func(ctx context.Context, change Change)

// Processor applies push batches. Each mutation gets its own transaction, so
// a failure rolls back only that mutation and later ones still run.
type Processor struct {
	store  store.Transactor
	hooks  []Hook
	logger zerolog.Logger
	now    func() time.Time
}

func NewProcessor(transactor store.Transactor, logger zerolog.Logger, hooks ...Hook) *Processor {
	return &Processor{store: transactor, hooks: hooks, logger: logger, now: time.Now}
}

// AddHook registers h for changes committed from now on.
func (p *Processor) AddHook(h Hook) {
	p.hooks = append(p.hooks, h)
}

// Process runs every mutation of req in order on behalf of principal.
func (p *Processor) Process(ctx context.Context, principal *authz.Principal, req PushRequest) PushResponse {
	resp := PushResponse{Mutations: make([]MutationResult, 0, len(req.Mutations))}
	for _, mutation := range req.Mutations {
		result := MutationResult{ID: mutation.ID}
		if err := p.Apply(ctx, principal, mutation.Name, mutation.Args); err != nil {
			result.Result = MutationOutcome{Error: err.Error(), Code: fault.Code(err)}
		}
		resp.Mutations = append(resp.Mutations, result)
	}
	return resp
}

// Apply runs a single named mutation with JSON encoded args.
func (p *Processor) Apply(ctx context.Context, principal *authz.Principal, name string, args json.RawMessage) error {
	started := time.Now()
	change, err := p.apply(ctx, principal, name, args)
	recordMutation(name, fault.Code(err), started)

	event := p.logger.Debug()
	if err != nil {
		event = p.logger.Warn().Err(err)
		if fault.Code(err) == "INTERNAL_ERROR" {
			event = p.logger.Error().Err(err)
		}
	}
	event.Str("mutation", name).Dur("took", time.Since(started)).Msg("mutation processed")
	if err != nil {
		return err
	}

	if !change.Empty() {
		for _, hook := range p.hooks {
			hook(ctx, change)
		}
	}
	return nil
}

func (p *Processor) apply(ctx context.Context, principal *authz.Principal, name string, raw json.RawMessage) (Change, error) {
	if err := authz.RequireLoggedIn(principal); err != nil {
		return Change{}, err
	}
	run, err := p.dispatch(New(principal, p.logger).WithClock(p.now), name, raw)
	if err != nil {
		return Change{}, err
	}

	var change Change
	err = p.store.WithinTx(ctx, principal.TenantID, func(tx store.Tx) error {
		var err error
		change, err = run(ctx, tx)
		return err
	})
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

type runFunc func(ctx context.Context, tx store.Tx) (Change, error)

func (p *Processor) dispatch(m *Mutators, name string, raw json.RawMessage) (runFunc, error) {
	switch name {
	case NameInsertNote:
		var args InsertNoteArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx store.Tx) (Change, error) { return m.InsertNote(ctx, tx, args) }, nil
	case NameUpdateNote:
		var args UpdateNoteArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx store.Tx) (Change, error) { return m.UpdateNote(ctx, tx, args) }, nil
	case NameDeleteNote:
		var args DeleteNoteArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx store.Tx) (Change, error) { return m.DeleteNote(ctx, tx, args) }, nil
	case NameMoveNote:
		var args MoveNoteArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx store.Tx) (Change, error) { return m.MoveNote(ctx, tx, args) }, nil
	case NameUpdateUser:
		var args UpdateUserArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return func(ctx context.Context, tx store.Tx) (Change, error) { return m.UpdateUser(ctx, tx, args) }, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMutation, name)
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing args", fault.ErrValidation)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: args: %v", fault.ErrValidation, err)
	}
	return nil
}

// Encode marshals typed args for a Mutation.
func Encode(id int64, name string, args any) (Mutation, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{ID: id, Name: name, Args: raw}, nil
}
