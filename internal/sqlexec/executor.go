package sqlexec

import (
	"context"
	"errors"
	"time"

	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/query"
)

type State string

const (
	StateExtracting       State = "Extracting"
	StateExecuting        State = "Executing"
	StateSucceeded        State = "Succeeded"
	StateExtractionFailed State = "ExtractionFailed"
	StateExecutionFailed  State = "ExecutionFailed"
)

func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateExtractionFailed, StateExecutionFailed:
		return true
	default:
		return false
	}
}

// Checker reviews an extracted statement and returns the statement to run.
type Checker interface {
	Check(ctx context.Context, sql string) (string, error)
}

type Outcome struct {
	State    State
	SQL      string
	Columns  []string
	Rows     [][]any
	Duration time.Duration
	Err      error
}

type Executor struct {
	engine  query.Engine
	checker Checker
}

// NewExecutor returns an executor; checker may be nil.
func NewExecutor(engine query.Engine, checker Checker) *Executor {
	return &Executor{engine: engine, checker: checker}
}

// Run drives one completion through extraction and execution and always
// returns a terminal outcome.
func (e *Executor) Run(ctx context.Context, output string, rowLimit int) Outcome {
	outcome := Outcome{State: StateExtracting}

	statement, err := Extract(output)
	if err != nil {
		outcome.State = StateExtractionFailed
		outcome.Err = err
		return outcome
	}
	if e.checker != nil {
		checked, err := e.check(ctx, statement)
		if err != nil {
			outcome.State = StateExtractionFailed
			outcome.SQL = statement
			outcome.Err = err
			return outcome
		}
		statement = checked
	}
	outcome.SQL = statement
	outcome.State = StateExecuting

	result, err := e.engine.Execute(ctx, query.Request{SQL: statement, RowLimit: rowLimit})
	if err != nil {
		outcome.State = StateExecutionFailed
		outcome.Err = executionError(ctx, err)
		return outcome
	}
	outcome.State = StateSucceeded
	outcome.Columns = result.Columns
	outcome.Rows = result.Rows
	outcome.Duration = result.Duration
	return outcome
}

// check keeps the original statement when the checker answers without SQL.
func (e *Executor) check(ctx context.Context, statement string) (string, error) {
	output, err := e.checker.Check(ctx, statement)
	if err != nil {
		return "", err
	}
	checked, err := Extract(output)
	if err != nil {
		return statement, nil
	}
	return checked, nil
}

func executionError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Timeout("execute sql", err)
	}
	return failure.SQLExecution("execute sql", err)
}
