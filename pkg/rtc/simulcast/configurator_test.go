package simulcast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearmeet/conference-client/pkg/config"
	"github.com/clearmeet/conference-client/pkg/rtc/types"
)

func videoConf() config.VideoConfig {
	return config.DefaultConfig().Video
}

func TestComputeEncodingsCamera(t *testing.T) {
	t.Run("full height activates every layer", func(t *testing.T) {
		layers := ComputeEncodings(types.VideoTypeCamera, 720, 720, "vp8", videoConf())
		require.Len(t, layers, 3)
		for _, layer := range layers {
			require.True(t, layer.Active)
		}
		require.Equal(t, []string{"q", "h", "f"}, []string{layers[0].Rid, layers[1].Rid, layers[2].Rid})
		require.Equal(t, 4.0, layers[0].ScaleResolutionDownBy)
		require.Equal(t, 1.0, layers[2].ScaleResolutionDownBy)
	})

	t.Run("constrained height deactivates upper layers", func(t *testing.T) {
		layers := ComputeEncodings(types.VideoTypeCamera, 720, 360, "vp8", videoConf())
		require.True(t, layers[0].Active)
		require.True(t, layers[1].Active)
		require.False(t, layers[2].Active)
	})

	t.Run("undershooting height keeps the lowest layer", func(t *testing.T) {
		layers := ComputeEncodings(types.VideoTypeCamera, 720, 90, "vp8", videoConf())
		require.True(t, layers[0].Active)
		require.False(t, layers[1].Active)
		require.False(t, layers[2].Active)
	})

	t.Run("zero height deactivates everything", func(t *testing.T) {
		layers := ComputeEncodings(types.VideoTypeCamera, 720, 0, "vp8", videoConf())
		for _, layer := range layers {
			require.False(t, layer.Active)
		}
	})

	t.Run("bitrates follow the tier table", func(t *testing.T) {
		conf := videoConf()
		layers := ComputeEncodings(types.VideoTypeCamera, 720, 720, "vp8", conf)
		for i, layer := range layers {
			require.Equal(t, conf.LayerBitrates[i], layer.MaxBitrate)
		}
	})
}

func TestComputeEncodingsDesktop(t *testing.T) {
	t.Run("simulcast off yields one capped layer", func(t *testing.T) {
		conf := videoConf()
		layers := ComputeEncodings(types.VideoTypeDesktop, 1080, 2160, "vp8", conf)
		require.Len(t, layers, 1)
		require.True(t, layers[0].Active)
		require.Equal(t, conf.DesktopBitrate, layers[0].MaxBitrate)
		require.Equal(t, 1.0, layers[0].ScaleResolutionDownBy)
	})

	t.Run("desktop simulcast can be enabled", func(t *testing.T) {
		conf := videoConf()
		conf.DesktopSimulcast = true
		layers := ComputeEncodings(types.VideoTypeDesktop, 1080, 2160, "vp8", conf)
		require.Len(t, layers, 3)
	})
}

func TestComputeEncodingsSvcCodec(t *testing.T) {
	layers := ComputeEncodings(types.VideoTypeCamera, 720, 720, "vp9", videoConf())
	require.Len(t, layers, 1)
	require.Equal(t, "L3T3_KEY", layers[0].ScalabilityMode)
	require.True(t, layers[0].Active)
}
