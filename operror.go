package ic

import "fmt"

// OpErrorKind enumerates the operation-level error variants. These are part
// of an operation's result, delivered through OpOut, and are distinct from
// dispatch errors (see errors.go).
type OpErrorKind uint8

const (
	ErrCanisterNotFound OpErrorKind = iota
	ErrCanisterIsEmpty
	ErrBadIngressMessage
	ErrSubnetNotFound
	ErrRequestRoutingError
	ErrInvalidCanisterHttpRequestId
	ErrInvalidMockCanisterHttpResponses
	ErrInvalidRejectCode
	ErrSettingTimeIntoPast
	ErrForbidden
	ErrBlockmakerNotFound
	ErrBlockmakerContainedInFailed
)

// OpError is an operation-level error. Only the fields relevant to a given
// kind are populated.
type OpError struct {
	Kind OpErrorKind

	CanisterID CanisterID
	SubnetID   SubnetID
	NodeID     NodeID
	Message    string

	// SettingTimeIntoPast
	CurrentTime uint64
	TargetTime  uint64

	// InvalidCanisterHttpRequestId
	RequestID uint64

	// InvalidMockCanisterHttpResponses
	Actual   int
	Expected int

	// InvalidRejectCode
	RejectCode uint64
}

func (e *OpError) String() string {
	switch e.Kind {
	case ErrCanisterNotFound:
		return fmt.Sprintf("CanisterNotFound(%s)", e.CanisterID)
	case ErrCanisterIsEmpty:
		return fmt.Sprintf("CanisterIsEmpty(%s)", e.CanisterID)
	case ErrBadIngressMessage:
		return fmt.Sprintf("BadIngressMessage(%s)", e.Message)
	case ErrSubnetNotFound:
		return fmt.Sprintf("SubnetNotFound(%s)", e.SubnetID)
	case ErrRequestRoutingError:
		return fmt.Sprintf("RequestRoutingError(%q)", e.Message)
	case ErrInvalidCanisterHttpRequestId:
		return fmt.Sprintf("InvalidCanisterHttpRequestId(%s,%d)", e.SubnetID, e.RequestID)
	case ErrInvalidMockCanisterHttpResponses:
		return fmt.Sprintf("InvalidMockCanisterHttpResponses(actual=%d,expected=%d)", e.Actual, e.Expected)
	case ErrInvalidRejectCode:
		return fmt.Sprintf("InvalidRejectCode(%d)", e.RejectCode)
	case ErrSettingTimeIntoPast:
		return fmt.Sprintf("SettingTimeIntoPast(current=%d,set=%d)", e.CurrentTime, e.TargetTime)
	case ErrForbidden:
		return fmt.Sprintf("Forbidden(%s)", e.Message)
	case ErrBlockmakerNotFound:
		return fmt.Sprintf("BlockmakerNotFound(%s)", e.NodeID)
	case ErrBlockmakerContainedInFailed:
		return fmt.Sprintf("BlockmakerContainedInFailed(%s)", e.NodeID)
	default:
		return fmt.Sprintf("OpError(kind=%d)", e.Kind)
	}
}
