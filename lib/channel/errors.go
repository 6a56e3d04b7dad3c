package channel

import (
	"fmt"

	apperrors "github.com/go-batt/nowlink/lib/errors"
)

// ErrRetuneRateLimited means Retune was called faster than the radio
// can settle.
var ErrRetuneRateLimited = fmt.Errorf("channel: retune %w", apperrors.ErrRateLimited)

// ErrChannelLockHeld means a retune or lock collided with a lock held
// by another owner.
var ErrChannelLockHeld = fmt.Errorf("channel: lock %w", apperrors.ErrAlreadyExists)
