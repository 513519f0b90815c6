package sdp

import (
	"strconv"
	"sync"

	"github.com/pion/sdp/v3"

	"github.com/clearmeet/conference-client/pkg/utils"
)

// RtxCache remembers the repair SSRC allocated for each primary video SSRC.
// A pairing survives every renegotiation of its track; it is dropped only
// when the track is fully removed, so remote endpoints never see the FID
// group change under them.
type RtxCache struct {
	lock  sync.Mutex
	pairs map[uint32]uint32
}

func NewRtxCache() *RtxCache {
	return &RtxCache{pairs: make(map[uint32]uint32)}
}

func (c *RtxCache) Get(primary uint32) (uint32, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	rtx, ok := c.pairs[primary]
	return rtx, ok
}

// GetOrAllocate returns the cached repair SSRC, allocating a fresh one on a
// cache miss.
func (c *RtxCache) GetOrAllocate(primary uint32) uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	if rtx, ok := c.pairs[primary]; ok {
		return rtx
	}
	rtx := utils.NewSsrc()
	c.pairs[primary] = rtx
	return rtx
}

// Adopt records an externally produced pairing unless the primary is
// already paired.
func (c *RtxCache) Adopt(primary, rtx uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.pairs[primary]; !ok {
		c.pairs[primary] = rtx
	}
}

// Release drops the pairings of fully removed primaries.
func (c *RtxCache) Release(primaries ...uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, primary := range primaries {
		delete(c.pairs, primary)
	}
}

// RtxRepairStep keeps FID groups consistent on local video sections. Every
// primary SSRC gets exactly one repair SSRC, stable across renegotiations.
// With Strip set it instead removes all RTX signaling (RTX administratively
// disabled).
type RtxRepairStep struct {
	Cache *RtxCache
	Strip bool
}

func (s *RtxRepairStep) Name() string { return "rtx-repair" }

func (s *RtxRepairStep) Apply(parsed *sdp.SessionDescription) error {
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != mediaVideo {
			continue
		}
		if s.Strip {
			stripRtx(media)
			continue
		}
		s.pairPrimaries(media)
	}
	return nil
}

func (s *RtxRepairStep) pairPrimaries(media *sdp.MediaDescription) {
	paired := make(map[uint32]uint32)
	repairs := make(map[uint32]bool)
	for _, group := range ssrcGroups(media) {
		if group.semantics == "FID" && len(group.ssrcs) == 2 {
			paired[group.ssrcs[0]] = group.ssrcs[1]
			repairs[group.ssrcs[1]] = true
			s.Cache.Adopt(group.ssrcs[0], group.ssrcs[1])
		}
	}

	for _, ssrc := range mediaSsrcs(media) {
		if repairs[ssrc] {
			continue
		}
		if _, ok := paired[ssrc]; ok {
			continue
		}
		rtx := s.Cache.GetOrAllocate(ssrc)
		addAttribute(media, attrSsrcGroup, formatSsrcGroup("FID", []uint32{ssrc, rtx}))
		// the repair stream advertises the same cname/msid as its primary
		prefix := strconv.FormatUint(uint64(ssrc), 10) + " "
		for _, line := range ssrcSourceLines(media, ssrc) {
			addAttribute(media, attrSsrc, strconv.FormatUint(uint64(rtx), 10)+" "+line[len(prefix):])
		}
	}
}

func stripRtx(media *sdp.MediaDescription) {
	repairs := make(map[uint32]bool)
	for _, group := range ssrcGroups(media) {
		if group.semantics == "FID" && len(group.ssrcs) == 2 {
			repairs[group.ssrcs[1]] = true
		}
	}

	removeAttributes(media, func(attr sdp.Attribute) bool {
		switch attr.Key {
		case attrSsrcGroup:
			group, ok := parseSsrcGroup(attr.Value)
			return ok && group.semantics == "FID"
		case attrSsrc:
			ssrc, ok := parseSsrcAttribute(attr.Value)
			return ok && repairs[ssrc]
		}
		return false
	})
}
