package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMessageGone marks a delete that failed because the message no longer
	// exists or can no longer be deleted.
	ErrMessageGone = errors.New("message already gone")

	// ErrUnsupported is returned for capabilities a transport does not have.
	ErrUnsupported = errors.New("unsupported by transport")

	ErrNotStarted = errors.New("transport not started")
)

// ActionError is a failed platform API call with its status code and text.
type ActionError struct {
	Action  string
	Retcode int
	Wording string
}

func (e *ActionError) Error() string {
	if e.Wording == "" {
		return fmt.Sprintf("%s failed: retcode=%d", e.Action, e.Retcode)
	}
	return fmt.Sprintf("%s failed: retcode=%d: %s", e.Action, e.Retcode, e.Wording)
}

// Is makes errors.Is(err, ErrMessageGone) hold for the known "already gone"
// replies.
func (e *ActionError) Is(target error) bool {
	return target == ErrMessageGone && e.gone()
}

func (e *ActionError) gone() bool {
	switch e.Retcode {
	case 100:
		return strings.Contains(strings.ToUpper(e.Wording), "MESSAGE_NOT_FOUND")
	case 300:
		return strings.Contains(strings.ToLower(e.Wording), "delete message")
	}
	return false
}

// IsMessageGone reports whether err means the message was already deleted,
// recalled or expired.
func IsMessageGone(err error) bool {
	return err != nil && errors.Is(err, ErrMessageGone)
}
