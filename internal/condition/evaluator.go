package condition

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// WarningKind classifies why a condition evaluated to false without
// actually being false.
type WarningKind string

const (
	WarningMalformed       WarningKind = "malformed"
	WarningUnsafe          WarningKind = "unsafe"
	WarningMissingVariable WarningKind = "missing_variable"
	WarningEvaluation      WarningKind = "evaluation"
)

// Warning describes a condition that could not be evaluated.
type Warning struct {
	Kind      WarningKind
	Condition string
	Detail    string
}

func (w *Warning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.Kind, w.Detail, w.Condition)
}

// Result is the outcome of one evaluation. Value is false whenever Warning
// is set.
type Result struct {
	Value   bool
	Warning *Warning
}

type compiled struct {
	expr *Expr
	err  error
}

// Evaluator compiles conditions once and evaluates them against variable
// maps. It never panics and never returns an error: anything it cannot
// evaluate is false, with a warning attached.
type Evaluator struct {
	logger    *zap.Logger
	onWarning func(*Warning)

	mu    sync.RWMutex
	cache map[string]compiled
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithWarningHook registers a callback invoked for every warning.
func WithWarningHook(fn func(*Warning)) Option {
	return func(e *Evaluator) {
		e.onWarning = fn
	}
}

// NewEvaluator creates an evaluator.
func NewEvaluator(logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		logger: logger.Named("condition"),
		cache:  make(map[string]compiled),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate compiles src and reports any syntax or safety problem. An empty
// condition is valid.
func (e *Evaluator) Validate(src string) error {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	c, _ := e.compile(src)
	return c.err
}

// Evaluate evaluates src against vars.
func (e *Evaluator) Evaluate(src string, vars map[string]float64) (res Result) {
	if strings.TrimSpace(src) == "" {
		return Result{}
	}

	defer func() {
		if r := recover(); r != nil {
			res = e.warn(&Warning{Kind: WarningEvaluation, Condition: src, Detail: fmt.Sprint(r)})
		}
	}()

	c, fresh := e.compile(src)
	if c.err != nil {
		w := &Warning{Kind: WarningMalformed, Condition: src, Detail: c.err.Error()}
		var unsafe *UnsafeTokenError
		if errors.As(c.err, &unsafe) {
			w.Kind = WarningUnsafe
		}
		if fresh {
			e.logger.Warn("Rejected condition",
				zap.String("condition", src),
				zap.String("kind", string(w.Kind)),
				zap.Error(c.err))
		}
		return e.warn(w)
	}

	value, err := c.expr.Eval(vars)
	if err != nil {
		e.logger.Debug("Condition not evaluable yet",
			zap.String("condition", src),
			zap.Error(err))
		return e.warn(&Warning{Kind: WarningMissingVariable, Condition: src, Detail: err.Error()})
	}
	return Result{Value: value}
}

// Bool is Evaluate without the warning.
func (e *Evaluator) Bool(src string, vars map[string]float64) bool {
	return e.Evaluate(src, vars).Value
}

func (e *Evaluator) compile(src string) (compiled, bool) {
	e.mu.RLock()
	c, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return c, false
	}

	expr, err := Compile(src)
	c = compiled{expr: expr, err: err}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.cache[src]; ok {
		return existing, false
	}
	e.cache[src] = c
	return c, true
}

func (e *Evaluator) warn(w *Warning) Result {
	if e.onWarning != nil {
		e.onWarning(w)
	}
	return Result{Warning: w}
}
