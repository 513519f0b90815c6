package rtc

import (
	"errors"
	"fmt"

	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

var (
	ErrNoTrack          = errors.New("track is required")
	ErrOperationAborted = errors.New("aborted: leave called")
	ErrNoSession        = errors.New("no media session is active")
)

// DuplicateTrackError rejects a second track of the same kind.
type DuplicateTrackError struct {
	MediaType types.MediaType
	VideoType types.VideoType
}

func (e *DuplicateTrackError) Error() string {
	if e.MediaType == types.MediaTypeAudio {
		return "cannot add second audio track"
	}
	return fmt.Sprintf("cannot add second %q video track", e.VideoType.String())
}
