package sdp

import (
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

// ExtractTrackDescriptors builds the signaled view of every source in a
// description, keyed by source name (msid stream id). Owner attribution is
// the caller's concern.
func ExtractTrackDescriptors(raw string) (map[string]*types.TrackDescriptor, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	descriptors := make(map[string]*types.TrackDescriptor)
	for _, media := range parsed.MediaDescriptions {
		mediaType := media.MediaName.Media
		if mediaType != mediaAudio && mediaType != mediaVideo {
			continue
		}
		extractMediaDescriptors(media, mediaType, descriptors)
	}
	return descriptors, nil
}

func extractMediaDescriptors(
	media *sdp.MediaDescription,
	mediaType string,
	descriptors map[string]*types.TrackDescriptor,
) {
	repairs := make(map[uint32]uint32) // primary -> rtx
	var simLayers []uint32
	for _, group := range ssrcGroups(media) {
		switch group.semantics {
		case types.SsrcGroupSemanticsFID:
			if len(group.ssrcs) == 2 {
				repairs[group.ssrcs[0]] = group.ssrcs[1]
			}
		case types.SsrcGroupSemanticsSIM:
			simLayers = group.ssrcs
		}
	}
	repairSet := make(map[uint32]bool)
	for _, rtx := range repairs {
		repairSet[rtx] = true
	}

	fallbackSource := mediaSourceName(media)
	for _, ssrc := range mediaSsrcs(media) {
		if repairSet[ssrc] {
			continue
		}
		source := ssrcMsid(media, ssrc)
		if source == "" {
			source = fallbackSource
		}
		if source == "" {
			continue
		}

		descriptor, ok := descriptors[source]
		if !ok {
			descriptor = &types.TrackDescriptor{
				LocalID:    ssrcTrackID(media, ssrc),
				SourceName: source,
			}
			if mediaType == mediaVideo {
				descriptor.MediaType = types.MediaTypeVideo
				descriptor.VideoType = types.VideoTypeCamera
			}
			descriptors[source] = descriptor
		}
		if descriptor.PrimarySsrc == 0 {
			descriptor.PrimarySsrc = ssrc
		}
		if rtx, paired := repairs[ssrc]; paired {
			descriptor.AssociatedSsrcs = append(descriptor.AssociatedSsrcs, rtx)
		}
	}

	// the SIM group ranks layers; attribute it to the source owning its
	// first member
	if len(simLayers) > 0 {
		for _, descriptor := range descriptors {
			if descriptor.PrimarySsrc == simLayers[0] {
				descriptor.SimulcastSsrcs = append([]uint32(nil), simLayers...)
				break
			}
		}
	}
}

func ssrcMsid(media *sdp.MediaDescription, ssrc uint32) string {
	for _, line := range ssrcSourceLines(media, ssrc) {
		for _, field := range strings.Fields(line)[1:] {
			if stream, ok := strings.CutPrefix(field, "msid:"); ok {
				return stream
			}
		}
	}
	return ""
}

func ssrcTrackID(media *sdp.MediaDescription, ssrc uint32) string {
	for _, line := range ssrcSourceLines(media, ssrc) {
		fields := strings.Fields(line)
		// "ssrc msid:<stream> <track>"
		for i, field := range fields[1:] {
			if strings.HasPrefix(field, "msid:") && i+2 < len(fields) {
				return fields[i+2]
			}
		}
	}
	return ""
}
