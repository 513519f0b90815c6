package simulcast

import (
	"strings"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

// VideoLayer is one computed send encoding for an outgoing video track.
type VideoLayer struct {
	Rid                   string
	Height                int
	Active                bool
	ScaleResolutionDownBy float64
	MaxBitrate            int
	ScalabilityMode       string
}

var simulcastRids = []string{"q", "h", "f"}

// svcCodecs carry spatial layers inside one encoding instead of simulcast.
var svcCodecs = map[string]bool{
	"vp9": true,
	"av1": true,
}

// ComputeEncodings derives the send encodings for a local video track.
// maxHeight is the requested max send resolution: the relay's bandwidth
// allocation signal, or a fixed high default on a direct session. Callers
// recompute only on track replace, constraint change or codec change;
// unrelated renegotiations must not reach here.
func ComputeEncodings(
	videoType types.VideoType,
	captureHeight int,
	maxHeight int,
	codec string,
	conf config.VideoConfig,
) []VideoLayer {
	if captureHeight <= 0 {
		captureHeight = 720
	}

	simulcastEnabled := conf.Simulcast
	if videoType == types.VideoTypeDesktop && !conf.DesktopSimulcast {
		simulcastEnabled = false
	}
	if svcCodecs[strings.ToLower(codec)] {
		return svcEncoding(captureHeight, maxHeight, topBitrate(videoType, conf))
	}
	if !simulcastEnabled {
		return []VideoLayer{{
			Height:                captureHeight,
			Active:                maxHeight > 0,
			ScaleResolutionDownBy: 1,
			MaxBitrate:            topBitrate(videoType, conf),
		}}
	}

	layerCount := len(simulcastRids)
	if len(conf.LayerBitrates) < layerCount {
		layerCount = len(conf.LayerBitrates)
	}

	layers := make([]VideoLayer, 0, layerCount)
	anyActive := false
	for i := 0; i < layerCount; i++ {
		scale := float64(int(1) << (layerCount - 1 - i))
		height := captureHeight / int(scale)
		active := maxHeight > 0 && height <= maxHeight
		if active {
			anyActive = true
		}
		layers = append(layers, VideoLayer{
			Rid:                   simulcastRids[i],
			Height:                height,
			Active:                active,
			ScaleResolutionDownBy: scale,
			MaxBitrate:            conf.LayerBitrates[i],
		})
	}
	// keep the lowest layer alive when the requested height undershoots
	// every native resolution
	if !anyActive && maxHeight > 0 && len(layers) > 0 {
		layers[0].Active = true
	}
	return layers
}

func svcEncoding(captureHeight, maxHeight, bitrate int) []VideoLayer {
	return []VideoLayer{{
		Height:                captureHeight,
		Active:                maxHeight > 0,
		ScaleResolutionDownBy: 1,
		MaxBitrate:            bitrate,
		ScalabilityMode:       "L3T3_KEY",
	}}
}

// topBitrate is the cap for a single-encoding send: the configured
// screen-share cap for desktop, otherwise the highest simulcast tier.
func topBitrate(videoType types.VideoType, conf config.VideoConfig) int {
	if videoType == types.VideoTypeDesktop && !conf.DesktopSimulcast {
		return conf.DesktopBitrate
	}
	return conf.LayerBitrates[len(conf.LayerBitrates)-1]
}
