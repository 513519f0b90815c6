package sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

var ErrParseFailed = errors.New("could not parse session description")

const (
	attrRtpmap    = "rtpmap"
	attrFmtp      = "fmtp"
	attrRtcpFb    = "rtcp-fb"
	attrSsrc      = "ssrc"
	attrSsrcGroup = "ssrc-group"
	attrMsid      = "msid"

	mediaAudio = "audio"
	mediaVideo = "video"
)

func Parse(raw string) (*sdp.SessionDescription, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, errors.Wrap(ErrParseFailed, err.Error())
	}
	return parsed, nil
}

func Marshal(parsed *sdp.SessionDescription) (string, error) {
	out, err := parsed.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// codecName extracts the encoding name from an rtpmap value like
// "96 VP8/90000".
func codecName(rtpmapValue string) (payloadType string, name string) {
	fields := strings.Fields(rtpmapValue)
	if len(fields) < 2 {
		return "", ""
	}
	name = fields[1]
	if idx := strings.Index(name, "/"); idx >= 0 {
		name = name[:idx]
	}
	return fields[0], name
}

// payloadCodecs maps payload type to codec name for one media section.
func payloadCodecs(media *sdp.MediaDescription) map[string]string {
	codecs := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != attrRtpmap {
			continue
		}
		if pt, name := codecName(attr.Value); pt != "" {
			codecs[pt] = name
		}
	}
	return codecs
}

// rtxTargets maps an RTX payload type to the payload type it repairs,
// read from "apt=" fmtp parameters.
func rtxTargets(media *sdp.MediaDescription) map[string]string {
	targets := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != attrFmtp {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		for _, param := range strings.Split(fields[1], ";") {
			param = strings.TrimSpace(param)
			if apt, ok := strings.CutPrefix(param, "apt="); ok {
				targets[fields[0]] = apt
			}
		}
	}
	return targets
}

// ssrcAttributes returns the distinct SSRCs of a media section in
// declaration order.
func mediaSsrcs(media *sdp.MediaDescription) []uint32 {
	var ssrcs []uint32
	seen := make(map[uint32]bool)
	for _, attr := range media.Attributes {
		if attr.Key != attrSsrc {
			continue
		}
		ssrc, ok := parseSsrcAttribute(attr.Value)
		if !ok || seen[ssrc] {
			continue
		}
		seen[ssrc] = true
		ssrcs = append(ssrcs, ssrc)
	}
	return ssrcs
}

func parseSsrcAttribute(value string) (uint32, bool) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, false
	}
	ssrc, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(ssrc), true
}

// ssrcGroups parses the ssrc-group attributes of a media section.
func ssrcGroups(media *sdp.MediaDescription) []parsedSsrcGroup {
	var groups []parsedSsrcGroup
	for _, attr := range media.Attributes {
		if attr.Key != attrSsrcGroup {
			continue
		}
		if group, ok := parseSsrcGroup(attr.Value); ok {
			groups = append(groups, group)
		}
	}
	return groups
}

type parsedSsrcGroup struct {
	semantics string
	ssrcs     []uint32
}

func parseSsrcGroup(value string) (parsedSsrcGroup, bool) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return parsedSsrcGroup{}, false
	}
	group := parsedSsrcGroup{semantics: fields[0]}
	for _, field := range fields[1:] {
		ssrc, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return parsedSsrcGroup{}, false
		}
		group.ssrcs = append(group.ssrcs, uint32(ssrc))
	}
	return group, true
}

func formatSsrcGroup(semantics string, ssrcs []uint32) string {
	parts := make([]string, 0, len(ssrcs)+1)
	parts = append(parts, semantics)
	for _, ssrc := range ssrcs {
		parts = append(parts, strconv.FormatUint(uint64(ssrc), 10))
	}
	return strings.Join(parts, " ")
}

// ssrcSourceLines returns all "ssrc:<n> ..." attribute values for one SSRC.
func ssrcSourceLines(media *sdp.MediaDescription, ssrc uint32) []string {
	prefix := strconv.FormatUint(uint64(ssrc), 10) + " "
	var lines []string
	for _, attr := range media.Attributes {
		if attr.Key == attrSsrc && strings.HasPrefix(attr.Value, prefix) {
			lines = append(lines, attr.Value)
		}
	}
	return lines
}

func removeAttributes(media *sdp.MediaDescription, match func(sdp.Attribute) bool) {
	kept := media.Attributes[:0]
	for _, attr := range media.Attributes {
		if !match(attr) {
			kept = append(kept, attr)
		}
	}
	media.Attributes = kept
}

func addAttribute(media *sdp.MediaDescription, key, value string) {
	media.Attributes = append(media.Attributes, sdp.Attribute{Key: key, Value: value})
}
