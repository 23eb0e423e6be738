// Package cron wraps a standard cron expression parser for the two
// things the store and worker need: validating an expression at
// publish time and computing the next fire time after a given instant.
package cron

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned when a cron expression fails to parse.
var ErrInvalidExpression = errors.New("cron: invalid expression")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expression is a parsed, validated cron expression.
type Expression struct {
	raw string
	sch cron.Schedule
}

// Parse validates expr and returns an Expression, or ErrInvalidExpression
// wrapping the underlying parse error.
func Parse(expr string) (Expression, error) {
	sch, err := parser.Parse(expr)
	if err != nil {
		return Expression{}, fmt.Errorf("%w: %q: %w", ErrInvalidExpression, expr, err)
	}
	return Expression{raw: expr, sch: sch}, nil
}

// String returns the original cron expression text.
func (e Expression) String() string { return e.raw }

// Next returns the next fire time strictly after from, and true. It
// returns the zero time and false when there is no such time: for the
// zero Expression, and for a parsed expression that robfig/cron cannot
// satisfy (it gives up after searching five years ahead, e.g. for
// "0 0 30 2 *"), per spec.md §4.4's "if cron.next(now) is empty" case.
func (e Expression) Next(from time.Time) (time.Time, bool) {
	if e.sch == nil {
		return time.Time{}, false
	}
	next := e.sch.Next(from)
	return next, !next.IsZero()
}
