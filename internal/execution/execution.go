// Package execution works trade candidates against the brokerage: validation, priced retries, reconciliation and scheduling.
package execution

import (
	"errors"
	"fmt"

	"github.com/JonasMelin/tradingpalavanza/internal/risk"
	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// OutcomeKind tags the result of processing one candidate.
type OutcomeKind int

const (
	// Filled means a ledger update was produced.
	Filled OutcomeKind = iota
	// Unfilled means every priced attempt expired without a fill.
	Unfilled
	// SoftRejected means the candidate was skipped without penalty.
	SoftRejected
	// Faulted means processing was abandoned; see FaultKind.
	Faulted
)

func (k OutcomeKind) String() string {
	switch k {
	case Filled:
		return "filled"
	case Unfilled:
		return "unfilled"
	case SoftRejected:
		return "soft_reject"
	default:
		return "fault"
	}
}

// FaultKind classifies abandoned candidates.
type FaultKind int

const (
	FaultValidation FaultKind = iota
	FaultConnectivity
	FaultOrder
	FaultGlobalBlock
	FaultLock
	FaultWrite
	FaultInternal
)

func (k FaultKind) String() string {
	switch k {
	case FaultValidation:
		return "validation"
	case FaultConnectivity:
		return "connectivity"
	case FaultOrder:
		return "order"
	case FaultGlobalBlock:
		return "global_block"
	case FaultLock:
		return "lock"
	case FaultWrite:
		return "write"
	default:
		return "internal"
	}
}

// Event maps a fault to the daily counter it increments.
func (k FaultKind) Event() risk.EventKind {
	if k == FaultConnectivity {
		return risk.EventError
	}
	return risk.EventException
}

// Outcome is the tagged result of Engine.Process.
type Outcome struct {
	Kind   OutcomeKind
	Fault  FaultKind
	Reason string
	Update *signal.LedgerUpdate
}

func (o Outcome) String() string {
	if o.Kind == Faulted {
		return fmt.Sprintf("%s(%s): %s", o.Kind, o.Fault, o.Reason)
	}
	if o.Reason == "" {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// Label is the metrics label for the outcome.
func (o Outcome) Label() string {
	if o.Kind == Faulted {
		return "fault_" + o.Fault.String()
	}
	return o.Kind.String()
}

func filled(u signal.LedgerUpdate) Outcome { return Outcome{Kind: Filled, Update: &u} }

func unfilled(reason string) Outcome { return Outcome{Kind: Unfilled, Reason: reason} }

func softReject(format string, args ...any) Outcome {
	return Outcome{Kind: SoftRejected, Reason: fmt.Sprintf(format, args...)}
}

func faulted(kind FaultKind, format string, args ...any) Outcome {
	return Outcome{Kind: Faulted, Fault: kind, Reason: fmt.Sprintf(format, args...)}
}

// Fault is an error carrying a FaultKind, returned by the retry controller.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string { return fmt.Sprintf("%s fault: %v", f.Kind, f.Err) }

func (f *Fault) Unwrap() error { return f.Err }

// outcomeFromError converts an error into a fault outcome, defaulting to kind.
func outcomeFromError(err error, kind FaultKind) Outcome {
	var f *Fault
	if errors.As(err, &f) {
		kind = f.Kind
	}
	return Outcome{Kind: Faulted, Fault: kind, Reason: err.Error()}
}
