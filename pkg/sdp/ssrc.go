package sdp

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
)

// sourceEntry is what was last signaled for one logical video track.
type sourceEntry struct {
	ssrcs  []uint32
	cname  string
	msid   string
	groups []parsedSsrcGroup
}

// SourceCache maps a logical track (its msid stream id, which the capture
// collaborator sets to the track's source name) to the SSRCs previously
// signaled for it.
type SourceCache struct {
	lock    sync.Mutex
	sources map[string]*sourceEntry
	muted   map[string]bool
}

func NewSourceCache() *SourceCache {
	return &SourceCache{
		sources: make(map[string]*sourceEntry),
		muted:   make(map[string]bool),
	}
}

// SetMuted marks a source as locally muted. While muted, its cached SSRCs
// are re-injected into descriptions the transport generates without them.
func (c *SourceCache) SetMuted(sourceName string, muted bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.muted[sourceName] = muted
}

// Release forgets a fully removed source and returns the SSRCs that were
// signaled for it, so dependent caches can be released too.
func (c *SourceCache) Release(sourceName string) []uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.muted, sourceName)
	entry, ok := c.sources[sourceName]
	if !ok {
		return nil
	}
	delete(c.sources, sourceName)
	return entry.ssrcs
}

func (c *SourceCache) snapshot(sourceName string) (*sourceEntry, bool, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	entry, ok := c.sources[sourceName]
	return entry, ok, c.muted[sourceName]
}

func (c *SourceCache) record(sourceName string, entry *sourceEntry) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sources[sourceName] = entry
}

// SourceConsistencyStep pins the SSRCs of a logical track across mute
// cycles. A mute followed by an unmute replaces the underlying transport
// track, which would otherwise generate fresh SSRCs; rewriting them back to
// the previously signaled ones hides the churn from remote endpoints. For a
// muted source it re-injects the cached SSRC set so the m-line stays
// signaled instead of going dark.
type SourceConsistencyStep struct {
	Cache *SourceCache
}

func (s *SourceConsistencyStep) Name() string { return "source-consistency" }

func (s *SourceConsistencyStep) Apply(parsed *sdp.SessionDescription) error {
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != mediaVideo {
			continue
		}
		s.applyToMedia(media)
	}
	return nil
}

func (s *SourceConsistencyStep) applyToMedia(media *sdp.MediaDescription) {
	sourceName := mediaSourceName(media)
	ssrcs := mediaSsrcs(media)

	if sourceName == "" {
		return
	}

	entry, known, muted := s.Cache.snapshot(sourceName)

	if len(ssrcs) == 0 {
		if known && muted {
			s.inject(media, entry)
		}
		return
	}

	if !known {
		s.Cache.record(sourceName, &sourceEntry{
			ssrcs:  ssrcs,
			cname:  mediaCname(media, ssrcs[0]),
			msid:   sourceName,
			groups: ssrcGroups(media),
		})
		return
	}

	rewrite := make(map[uint32]uint32)
	for i, ssrc := range ssrcs {
		if i >= len(entry.ssrcs) {
			break
		}
		if ssrc != entry.ssrcs[i] {
			rewrite[ssrc] = entry.ssrcs[i]
		}
	}
	if len(rewrite) > 0 {
		rewriteSsrcs(media, rewrite)
	}
}

// inject restores the cached ssrc lines of a muted source.
func (s *SourceConsistencyStep) inject(media *sdp.MediaDescription, entry *sourceEntry) {
	for _, ssrc := range entry.ssrcs {
		ssrcStr := strconv.FormatUint(uint64(ssrc), 10)
		if entry.cname != "" {
			addAttribute(media, attrSsrc, ssrcStr+" cname:"+entry.cname)
		}
		if entry.msid != "" {
			addAttribute(media, attrSsrc, ssrcStr+" msid:"+entry.msid+" "+entry.msid)
		}
	}
	for _, group := range entry.groups {
		addAttribute(media, attrSsrcGroup, formatSsrcGroup(group.semantics, group.ssrcs))
	}
}

func rewriteSsrcs(media *sdp.MediaDescription, rewrite map[uint32]uint32) {
	for i, attr := range media.Attributes {
		switch attr.Key {
		case attrSsrc:
			old, ok := parseSsrcAttribute(attr.Value)
			if !ok {
				continue
			}
			if updated, found := rewrite[old]; found {
				_, rest, _ := strings.Cut(attr.Value, " ")
				media.Attributes[i].Value = strconv.FormatUint(uint64(updated), 10) + " " + rest
			}
		case attrSsrcGroup:
			group, ok := parseSsrcGroup(attr.Value)
			if !ok {
				continue
			}
			changed := false
			for j, ssrc := range group.ssrcs {
				if updated, found := rewrite[ssrc]; found {
					group.ssrcs[j] = updated
					changed = true
				}
			}
			if changed {
				media.Attributes[i].Value = formatSsrcGroup(group.semantics, group.ssrcs)
			}
		}
	}
}

// mediaSourceName reads the msid stream id, from the media-level msid
// attribute or the first ssrc-level one.
func mediaSourceName(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		if attr.Key == attrMsid {
			fields := strings.Fields(attr.Value)
			if len(fields) > 0 && fields[0] != "-" {
				return fields[0]
			}
		}
	}
	for _, attr := range media.Attributes {
		if attr.Key != attrSsrc {
			continue
		}
		fields := strings.Fields(attr.Value)
		for _, field := range fields[1:] {
			if stream, ok := strings.CutPrefix(field, "msid:"); ok {
				return stream
			}
		}
	}
	return ""
}

func mediaCname(media *sdp.MediaDescription, ssrc uint32) string {
	for _, line := range ssrcSourceLines(media, ssrc) {
		fields := strings.Fields(line)
		for _, field := range fields[1:] {
			if cname, ok := strings.CutPrefix(field, "cname:"); ok {
				return cname
			}
		}
	}
	return ""
}
