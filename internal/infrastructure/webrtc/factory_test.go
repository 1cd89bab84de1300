package webrtc

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type limitedTrack struct {
	*webrtc.TrackLocalStaticSample
	kbps []int
}

func (t *limitedTrack) SetMaxBitrate(kbps int) error {
	t.kbps = append(t.kbps, kbps)
	return nil
}

func newVideoTrack(t *testing.T, id string) *limitedTrack {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "camera",
	)
	require.NoError(t, err)
	return &limitedTrack{TrackLocalStaticSample: track}
}

func newTestFactory(t *testing.T, config Config) *Factory {
	t.Helper()
	f, err := NewFactory(config, zap.NewNop().Sugar())
	require.NoError(t, err)
	return f
}

func TestFactoryRejectsUnknownCodec(t *testing.T) {
	_, err := NewFactory(Config{Codecs: []string{"vp8", "av1"}}, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "av1")
}

func TestRegisterCodecsDefaults(t *testing.T) {
	m := &webrtc.MediaEngine{}
	require.NoError(t, registerCodecs(m, nil))

	m = &webrtc.MediaEngine{}
	require.NoError(t, registerCodecs(m, []string{"VP8", "opus"}))
}

func TestOfferCarriesTracksAndChannel(t *testing.T) {
	f := newTestFactory(t, Config{Codecs: []string{"vp8", "opus"}})
	conn, err := f.NewPeerConnection()
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.AddTrack(newVideoTrack(t, "video"))
	require.NoError(t, err)

	channel, err := conn.CreateDataChannel("callmesh")
	require.NoError(t, err)
	assert.Equal(t, "callmesh", channel.Label())
	assert.Equal(t, webrtc.DataChannelStateConnecting, channel.ReadyState())

	offer, err := conn.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "VP8/90000")
	assert.Contains(t, offer.SDP, "webrtc-datachannel")

	require.NoError(t, conn.SetLocalDescription(offer))
}

func TestSenderCapFollowsReplacement(t *testing.T) {
	f := newTestFactory(t, Config{})
	conn, err := f.NewPeerConnection()
	require.NoError(t, err)
	defer conn.Close()

	camera := newVideoTrack(t, "camera")
	sender, err := conn.AddTrack(camera)
	require.NoError(t, err)

	require.NoError(t, sender.SetMaxBitrate(1200))
	assert.Equal(t, 1200, sender.MaxBitrate())
	assert.Equal(t, []int{1200}, camera.kbps)

	screen := newVideoTrack(t, "screen")
	require.NoError(t, sender.ReplaceTrack(screen))
	assert.Equal(t, []int{1200}, screen.kbps)
	assert.Equal(t, "screen", sender.Track().ID())

	require.NoError(t, sender.ReplaceTrack(nil))
	assert.Nil(t, sender.Track())
	require.NoError(t, sender.SetMaxBitrate(800))
	assert.Equal(t, 800, sender.MaxBitrate())
}

func TestStatsAfterClose(t *testing.T) {
	f := newTestFactory(t, Config{})
	conn, err := f.NewPeerConnection()
	require.NoError(t, err)

	_, err = conn.Stats(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	_, err = conn.Stats(context.Background())
	assert.Error(t, err)
}
