package types

import "fmt"

// UnsupportedTrackReplaceError rejects an in-place replace across video
// types: layer and bitrate configuration is keyed by the video type, so a
// type change has to go through remove and add.
type UnsupportedTrackReplaceError struct {
	OldVideoType VideoType
	NewVideoType VideoType
}

func (e *UnsupportedTrackReplaceError) Error() string {
	return fmt.Sprintf(
		"replacing a %q track with a %q track is not supported",
		e.OldVideoType.String(), e.NewVideoType.String(),
	)
}
