package transport

import (
	"github.com/clearmeet/conference-client/pkg/rtc/types"
	"github.com/clearmeet/conference-client/pkg/sdp"
)

// remoteDescriptors parses the signaled sources of a remote description and
// attributes each to its owning endpoint.
func remoteDescriptors(raw string, resolveOwner func(string) string) (map[string]*types.TrackDescriptor, error) {
	descriptors, err := sdp.ExtractTrackDescriptors(raw)
	if err != nil {
		return nil, err
	}
	if resolveOwner != nil {
		for source, descriptor := range descriptors {
			descriptor.OwnerEndpointID = resolveOwner(source)
		}
	}
	return descriptors, nil
}
