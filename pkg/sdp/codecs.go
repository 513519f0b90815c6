package sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// CodecPreferenceStep moves the preferred codec's payload types (and their
// RTX payloads) to the front of each matching media section and removes
// disabled codecs entirely, dependent payloads included.
type CodecPreferenceStep struct {
	MediaType      string
	PreferredCodec string
	DisabledCodecs []string
}

func (s *CodecPreferenceStep) Name() string { return "codec-preference" }

func (s *CodecPreferenceStep) Apply(parsed *sdp.SessionDescription) error {
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != s.MediaType {
			continue
		}
		s.removeDisabled(media)
		s.promotePreferred(media)
	}
	return nil
}

func (s *CodecPreferenceStep) promotePreferred(media *sdp.MediaDescription) {
	if s.PreferredCodec == "" {
		return
	}
	codecs := payloadCodecs(media)
	targets := rtxTargets(media)

	preferred := make(map[string]bool)
	for pt, name := range codecs {
		if strings.EqualFold(name, s.PreferredCodec) {
			preferred[pt] = true
		}
	}
	if len(preferred) == 0 {
		return
	}
	for pt, apt := range targets {
		if preferred[apt] {
			preferred[pt] = true
		}
	}

	front := make([]string, 0, len(preferred))
	rest := make([]string, 0, len(media.MediaName.Formats))
	for _, pt := range media.MediaName.Formats {
		if preferred[pt] {
			front = append(front, pt)
		} else {
			rest = append(rest, pt)
		}
	}
	media.MediaName.Formats = append(front, rest...)
}

func (s *CodecPreferenceStep) removeDisabled(media *sdp.MediaDescription) {
	if len(s.DisabledCodecs) == 0 {
		return
	}
	codecs := payloadCodecs(media)
	targets := rtxTargets(media)

	removed := make(map[string]bool)
	for pt, name := range codecs {
		for _, disabled := range s.DisabledCodecs {
			if strings.EqualFold(name, disabled) {
				removed[pt] = true
			}
		}
	}
	if len(removed) == 0 {
		return
	}
	for pt, apt := range targets {
		if removed[apt] {
			removed[pt] = true
		}
	}

	kept := make([]string, 0, len(media.MediaName.Formats))
	for _, pt := range media.MediaName.Formats {
		if !removed[pt] {
			kept = append(kept, pt)
		}
	}
	if len(kept) == 0 {
		// refusing to produce an empty m-line beats honoring the
		// disable list
		return
	}
	media.MediaName.Formats = kept

	removeAttributes(media, func(attr sdp.Attribute) bool {
		switch attr.Key {
		case attrRtpmap, attrFmtp, attrRtcpFb:
			fields := strings.Fields(attr.Value)
			return len(fields) > 0 && removed[fields[0]]
		}
		return false
	})
}

// AudioParametersStep applies stereo/bitrate format parameters to the Opus
// payload of every audio section.
type AudioParametersStep struct {
	Stereo            bool
	MaxAverageBitrate int
}

func (s *AudioParametersStep) Name() string { return "audio-parameters" }

func (s *AudioParametersStep) Apply(parsed *sdp.SessionDescription) error {
	if !s.Stereo && s.MaxAverageBitrate <= 0 {
		return nil
	}
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != mediaAudio {
			continue
		}
		for pt, name := range payloadCodecs(media) {
			if strings.EqualFold(name, "opus") {
				s.applyToPayload(media, pt)
			}
		}
	}
	return nil
}

func (s *AudioParametersStep) applyToPayload(media *sdp.MediaDescription, payloadType string) {
	for i, attr := range media.Attributes {
		if attr.Key != attrFmtp {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 || fields[0] != payloadType {
			continue
		}
		media.Attributes[i].Value = payloadType + " " + s.mungeParams(fields[1])
		return
	}
	addAttribute(media, attrFmtp, payloadType+" "+s.mungeParams(""))
}

func (s *AudioParametersStep) mungeParams(params string) string {
	parsed, order := parseFmtpParams(params)
	set := func(key, value string) {
		if _, ok := parsed[key]; !ok {
			order = append(order, key)
		}
		parsed[key] = value
	}
	if s.Stereo {
		set("stereo", "1")
		set("sprop-stereo", "1")
	}
	if s.MaxAverageBitrate > 0 {
		set("maxaveragebitrate", strconv.Itoa(s.MaxAverageBitrate))
	}

	parts := make([]string, 0, len(order))
	for _, key := range order {
		parts = append(parts, key+"="+parsed[key])
	}
	return strings.Join(parts, ";")
}

func parseFmtpParams(params string) (map[string]string, []string) {
	parsed := make(map[string]string)
	var order []string
	for _, param := range strings.Split(params, ";") {
		param = strings.TrimSpace(param)
		if param == "" {
			continue
		}
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		if _, ok := parsed[key]; !ok {
			order = append(order, key)
		}
		parsed[key] = value
	}
	return parsed, order
}
