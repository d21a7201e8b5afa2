package sanitizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Role places a scanner in one of the two pipeline phases.
type Role int

const (
	// RoleAdvisory scanners run after every gating scanner has passed.
	RoleAdvisory Role = iota
	// RoleGating scanners run first, one at a time, and stop the pipeline
	// on the first invalid result.
	RoleGating
)

func (r Role) String() string {
	if r == RoleGating {
		return "gating"
	}
	return "advisory"
}

// Stage is a scanner together with its pipeline policy.
type Stage struct {
	Scanner Scanner
	Role    Role
	// Mandatory scanners are fail-closed: a ScanFailure invalidates the
	// verdict, and for gating scanners also stops the pipeline.
	Mandatory bool
	// Timeout overrides the pipeline default when positive.
	Timeout time.Duration
}

// Scan outcome labels reported to the Observer.
const (
	StatusPassed   = "passed"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Observer receives per-scanner and per-verdict measurements.
type Observer interface {
	ObserveScan(direction Direction, scanner, status string, elapsed time.Duration)
	ObserveVerdict(v Verdict)
}

type noopObserver struct{}

func (noopObserver) ObserveScan(Direction, string, string, time.Duration) {}
func (noopObserver) ObserveVerdict(Verdict)                               {}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithObserver(o Observer) Option { return func(p *Pipeline) { p.observer = o } }

func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// WithTimeout sets the default per-scanner time budget. Zero disables it.
func WithTimeout(d time.Duration) Option { return func(p *Pipeline) { p.timeout = d } }

// WithParallelism bounds concurrently running advisory scanners. One runs
// them sequentially; zero leaves them unbounded.
func WithParallelism(n int) Option { return func(p *Pipeline) { p.parallelism = n } }

// WithSpeculation starts the advisory phase alongside the gating phase. It
// only takes effect when every gating scanner is read-only, so advisory
// scanners see the same text either way; their work is cancelled and
// discarded if the gating phase rejects the input.
func WithSpeculation(on bool) Option { return func(p *Pipeline) { p.speculate = on } }

// Pipeline executes gating scanners in order, then advisory scanners, and
// threads each scanner's sanitized text into the next one.
type Pipeline struct {
	direction   Direction
	gating      []Stage
	advisory    []Stage
	logger      *slog.Logger
	observer    Observer
	tracer      trace.Tracer
	timeout     time.Duration
	parallelism int
	speculate   bool
}

// NewPipeline splits stages by role, keeping configured order within each
// phase.
func NewPipeline(direction Direction, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		direction: direction,
		logger:    slog.New(slog.DiscardHandler),
		observer:  noopObserver{},
		tracer:    otel.Tracer("github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"),
	}
	for _, st := range stages {
		if st.Role == RoleGating {
			p.gating = append(p.gating, st)
			continue
		}
		p.advisory = append(p.advisory, st)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("area", "pipeline", "direction", string(direction))
	return p
}

// Direction reports which side of the model the pipeline guards.
func (p *Pipeline) Direction() Direction { return p.direction }

// Scanners lists scanner names in execution order.
func (p *Pipeline) Scanners() []string {
	out := make([]string, 0, len(p.gating)+len(p.advisory))
	for _, st := range p.gating {
		out = append(out, st.Scanner.Name())
	}
	for _, st := range p.advisory {
		out = append(out, st.Scanner.Name())
	}
	return out
}

// Process runs the pipeline over in.Text. Rejection is reported through the
// Verdict; the error is reserved for unusable input and cancellation.
func (p *Pipeline) Process(ctx context.Context, in Input) (Verdict, error) {
	if strings.TrimSpace(in.Text) == "" {
		return Verdict{}, ErrEmptyText
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(p.direction),
		trace.WithAttributes(attribute.Int("scanners", len(p.gating)+len(p.advisory))))
	defer span.End()

	verdict := Verdict{Direction: p.direction, Valid: true}

	var spec *speculation
	if p.speculate && len(p.gating) > 0 && allReadOnly(p.gating) {
		if n := readOnlyPrefix(p.advisory); n > 0 {
			spec = p.startSpeculation(ctx, in, p.advisory[:n])
		}
	}

	current := in.Text
	for _, st := range p.gating {
		f, res, ok := p.run(ctx, st, in.WithText(current))
		verdict.Findings = append(verdict.Findings, f)
		if ok {
			current = res.Text
		}
		if f.Blocking() {
			if spec != nil {
				spec.discard()
			}
			verdict.Valid = false
			verdict.EarlyExit = true
			verdict.Text = current
			return p.finish(ctx, span, verdict)
		}
	}

	var advisory []Finding
	if spec != nil {
		head := spec.wait()
		var tail []Finding
		tail, current = p.runAdvisory(ctx, p.advisory[len(head):], in, current)
		advisory = append(head, tail...)
	} else {
		advisory, current = p.runAdvisory(ctx, p.advisory, in, current)
	}
	for _, f := range advisory {
		if f.Blocking() {
			verdict.Valid = false
		}
	}
	verdict.Findings = append(verdict.Findings, advisory...)
	verdict.Text = current
	return p.finish(ctx, span, verdict)
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, v Verdict) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}
	span.SetAttributes(attribute.Bool("valid", v.Valid), attribute.Bool("early_exit", v.EarlyExit))
	if !v.Valid {
		p.logger.Info("text rejected", "scanners", v.Rejected(), "early_exit", v.EarlyExit)
	}
	p.observer.ObserveVerdict(v)
	return v, nil
}

// runAdvisory executes stages in order. Consecutive read-only stages form a
// batch that runs concurrently against the same text; a rewriting stage runs
// alone so the next stage sees its output.
func (p *Pipeline) runAdvisory(ctx context.Context, stages []Stage, in Input, text string) ([]Finding, string) {
	findings := make([]Finding, len(stages))
	for i := 0; i < len(stages); {
		j := i + 1
		if isReadOnly(stages[i].Scanner) {
			for j < len(stages) && isReadOnly(stages[j].Scanner) {
				j++
			}
		}

		if j-i == 1 || p.parallelism == 1 {
			for k := i; k < j; k++ {
				f, res, ok := p.run(ctx, stages[k], in.WithText(text))
				findings[k] = f
				if ok && !isReadOnly(stages[k].Scanner) {
					text = res.Text
				}
			}
			i = j
			continue
		}

		batchInput := in.WithText(text)
		var g errgroup.Group
		if p.parallelism > 0 {
			g.SetLimit(p.parallelism)
		}
		for k := i; k < j; k++ {
			g.Go(func() error {
				findings[k], _, _ = p.run(ctx, stages[k], batchInput)
				return nil
			})
		}
		_ = g.Wait()
		i = j
	}
	return findings, text
}

// speculation runs read-only advisory stages while the gate is still
// deciding. Only read-only stages qualify, so discarding it leaves neither
// text changes nor vault entries behind.
type speculation struct {
	cancel   context.CancelFunc
	done     chan struct{}
	findings []Finding
}

func (p *Pipeline) startSpeculation(ctx context.Context, in Input, stages []Stage) *speculation {
	sctx, cancel := context.WithCancel(ctx)
	s := &speculation{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.findings, _ = p.runAdvisory(sctx, stages, in, in.Text)
	}()
	return s
}

func (s *speculation) wait() []Finding {
	<-s.done
	s.cancel()
	return s.findings
}

func (s *speculation) discard() {
	s.cancel()
	<-s.done
}

// run executes one stage. ok is false when the scanner failed, in which case
// the returned ScanResult must be ignored.
func (p *Pipeline) run(ctx context.Context, st Stage, in Input) (Finding, ScanResult, bool) {
	name := st.Scanner.Name()
	f := Finding{
		Scanner:   name,
		Mandatory: st.Mandatory,
		Gating:    st.Role == RoleGating,
	}

	timeout := st.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	sctx, span := p.tracer.Start(ctx, "scanner."+name,
		trace.WithAttributes(attribute.String("scanner.role", st.Role.String())))
	defer span.End()

	start := time.Now()
	res, err := invoke(sctx, st.Scanner, in, timeout)
	elapsed := time.Since(start)
	f.DurationMS = elapsed.Milliseconds()

	if err != nil {
		var sf *ScanFailure
		if !errors.As(err, &sf) {
			sf = &ScanFailure{Scanner: name, Err: err}
		}
		f.Failed = true
		f.Detail = sf.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		p.logger.Warn("scanner failed", "scanner", name, "mandatory", st.Mandatory, "err", err)
		p.observer.ObserveScan(p.direction, name, StatusFailed, elapsed)
		return f, ScanResult{}, false
	}

	res.Score = clampScore(res.Score)
	f.Score = res.Score
	f.Passed = res.Valid
	f.Informational = res.Informational
	f.Detail = joinThreats(res.Threats)

	status := StatusPassed
	if !res.Valid {
		status = StatusRejected
	}
	span.SetAttributes(attribute.Float64("scanner.score", res.Score), attribute.Bool("scanner.valid", res.Valid))
	p.observer.ObserveScan(p.direction, name, status, elapsed)
	return f, res, true
}

// invoke runs the scanner under the time budget. A scanner that ignores its
// context is abandoned when the budget runs out; its late result is dropped.
func invoke(ctx context.Context, s Scanner, in Input, timeout time.Duration) (ScanResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res ScanResult
		err error
	}
	if in.Vault != nil {
		fence := &fencedVault{Vault: in.Vault}
		defer fence.close()
		in.Vault = fence
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ScanFailure{Scanner: s.Name(), Reason: fmt.Sprintf("panic: %v", r)}}
			}
		}()
		res, err := s.Scan(ctx, in)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return ScanResult{}, &ScanFailure{Scanner: s.Name(), Err: ErrScanTimeout}
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ScanResult{}, &ScanFailure{Scanner: s.Name(), Reason: timeout.String(), Err: ErrScanTimeout}
		}
		return ScanResult{}, &ScanFailure{Scanner: s.Name(), Err: ctx.Err()}
	}
}

// readOnlyPrefix counts the leading stages that leave text and vault
// untouched.
func readOnlyPrefix(stages []Stage) int {
	for i, st := range stages {
		if !isReadOnly(st.Scanner) {
			return i
		}
	}
	return len(stages)
}

func allReadOnly(stages []Stage) bool {
	for _, st := range stages {
		if !isReadOnly(st.Scanner) {
			return false
		}
	}
	return true
}
