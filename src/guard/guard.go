// Package guard runs the input and output pipelines for one model exchange
// and owns the vault they share.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Easy-Infra-Ltd/easy-guard/src/audit"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
	"github.com/Easy-Infra-Ltd/easy-guard/src/vault"
)

var (
	// ErrInputRejected is returned when output is evaluated for an exchange
	// whose prompt was rejected; the model should not have been called.
	ErrInputRejected = errors.New("input was rejected")
	// ErrExchangeClosed is returned by an Exchange after End.
	ErrExchangeClosed = errors.New("exchange closed")
)

// Options configures a Service.
type Options struct {
	// Vaults supplies the per-exchange vault. Defaults to an in-memory
	// provider without expiry.
	Vaults   vault.Provider
	Recorder audit.Recorder
	// PersistAcrossTurns keeps a vault after its exchange ends, so the id
	// acts as a conversation id.
	PersistAcrossTurns bool
	Logger             *slog.Logger
}

// Service evaluates prompts and responses. A nil pipeline accepts every
// text unchanged.
type Service struct {
	input    *sanitizer.Pipeline
	output   *sanitizer.Pipeline
	vaults   vault.Provider
	recorder audit.Recorder
	persist  bool
	logger   *slog.Logger
}

func New(input, output *sanitizer.Pipeline, opts Options) *Service {
	if opts.Vaults == nil {
		opts.Vaults = vault.NewMemoryProvider(0)
	}
	if opts.Recorder == nil {
		opts.Recorder = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		input:    input,
		output:   output,
		vaults:   opts.Vaults,
		recorder: opts.Recorder,
		persist:  opts.PersistAcrossTurns,
		logger:   opts.Logger.With("area", "guard"),
	}
}

// Begin opens the exchange identified by id, or a new one when id is empty.
func (s *Service) Begin(ctx context.Context, id string) (*Exchange, error) {
	if id == "" {
		id = uuid.NewString()
	}
	v, err := s.vaults.Open(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("opening vault for exchange %s: %w", id, err)
	}
	return &Exchange{id: id, svc: s, vault: v}, nil
}

// Release discards the vault of exchange id.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.vaults.Release(ctx, id)
}

// EvaluateInput runs a prompt in a fresh or resumed exchange and returns its
// id. The exchange is ended right away when the prompt is rejected.
func (s *Service) EvaluateInput(ctx context.Context, id, prompt string) (sanitizer.Verdict, string, error) {
	ex, err := s.Begin(ctx, id)
	if err != nil {
		return sanitizer.Verdict{}, "", err
	}
	v, err := ex.EvaluateInput(ctx, prompt)
	if err != nil || !v.Valid {
		if endErr := ex.End(ctx); endErr != nil {
			s.logger.Warn("ending exchange", "exchange_id", ex.ID(), "err", endErr)
		}
	}
	return v, ex.ID(), err
}

// EvaluateOutput runs a response in exchange id and then ends the exchange.
// An empty id evaluates against an empty vault.
func (s *Service) EvaluateOutput(ctx context.Context, id, prompt, response string) (sanitizer.Verdict, error) {
	ex, err := s.Begin(ctx, id)
	if err != nil {
		return sanitizer.Verdict{}, err
	}
	defer func() {
		if endErr := ex.End(ctx); endErr != nil {
			s.logger.Warn("ending exchange", "exchange_id", ex.ID(), "err", endErr)
		}
	}()
	return ex.EvaluateOutput(ctx, prompt, response)
}

func (s *Service) run(ctx context.Context, p *sanitizer.Pipeline, exchangeID string, in sanitizer.Input, dir sanitizer.Direction) (sanitizer.Verdict, error) {
	if p == nil {
		if strings.TrimSpace(in.Text) == "" {
			return sanitizer.Verdict{}, sanitizer.ErrEmptyText
		}
		return sanitizer.Verdict{Direction: dir, Text: in.Text, Valid: true}, nil
	}
	v, err := p.Process(ctx, in)
	if err != nil {
		return sanitizer.Verdict{}, err
	}
	if err := s.recorder.Record(ctx, audit.EventFromVerdict(exchangeID, v)); err != nil {
		s.logger.Warn("recording verdict", "exchange_id", exchangeID, "err", err)
	}
	return v, nil
}

// Exchange is one prompt/response pair sharing a vault.
type Exchange struct {
	id    string
	svc   *Service
	vault vault.Vault

	mu       sync.Mutex
	rejected bool
	closed   bool
}

func (e *Exchange) ID() string { return e.id }

// Vault returns the exchange's placeholder store.
func (e *Exchange) Vault() vault.Vault { return e.vault }

// EvaluateInput screens the prompt. A rejection is reported through the
// verdict, not the error.
func (e *Exchange) EvaluateInput(ctx context.Context, prompt string) (sanitizer.Verdict, error) {
	if err := e.check(false); err != nil {
		return sanitizer.Verdict{}, err
	}
	v, err := e.svc.run(ctx, e.svc.input, e.id, sanitizer.Input{Text: prompt, Vault: e.vault}, sanitizer.DirectionInput)
	if err != nil {
		return sanitizer.Verdict{}, err
	}
	if !v.Valid {
		e.mu.Lock()
		e.rejected = true
		e.mu.Unlock()
	}
	return v, nil
}

// EvaluateOutput screens the model's response to prompt.
func (e *Exchange) EvaluateOutput(ctx context.Context, prompt, response string) (sanitizer.Verdict, error) {
	if err := e.check(true); err != nil {
		return sanitizer.Verdict{}, err
	}
	in := sanitizer.Input{Text: response, Prompt: prompt, Vault: e.vault}
	return e.svc.run(ctx, e.svc.output, e.id, in, sanitizer.DirectionOutput)
}

// End releases the exchange's vault unless vaults persist across turns.
// It is safe to call more than once.
func (e *Exchange) End(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.svc.persist {
		return nil
	}
	return e.svc.vaults.Release(ctx, e.id)
}

func (e *Exchange) check(output bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExchangeClosed
	}
	if output && e.rejected {
		return ErrInputRejected
	}
	return nil
}
