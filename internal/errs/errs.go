package errs

import "errors"

// Kind classifies a rejected operation
type Kind int32

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidState
	KindNotAuthorized
	KindSelfJoin
	KindInsufficientFunds
	KindInvariantViolation
	KindInvalidArgument
	KindDuplicate
	KindUnavailable
)

var (
	ErrNotFound           = errors.New("match not found")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrNotAuthorized      = errors.New("caller not authorized")
	ErrSelfJoin           = errors.New("creator cannot join own match")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvariantViolation = errors.New("ledger invariant violated")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrDuplicate          = errors.New("duplicate request")
	// ErrUnavailable is retryable: nothing was applied.
	ErrUnavailable = errors.New("dependency unavailable")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInvalidState, KindInvalidState},
	{ErrNotAuthorized, KindNotAuthorized},
	{ErrSelfJoin, KindSelfJoin},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInvariantViolation, KindInvariantViolation},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrDuplicate, KindDuplicate},
	{ErrUnavailable, KindUnavailable},
}

// KindOf returns the kind of the first sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidState:
		return "InvalidState"
	case KindNotAuthorized:
		return "NotAuthorized"
	case KindSelfJoin:
		return "SelfJoin"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindDuplicate:
		return "Duplicate"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}
