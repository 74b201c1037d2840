package rtc

import (
	"context"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type rtpReader func() (*rtp.Packet, error)

// playout copies the remote party's audio payload to a sink.
type playout struct {
	src  rtpReader
	sink io.Writer
}

func newPlayout(track *webrtc.TrackRemote, sink io.Writer) *playout {
	return &playout{
		src: func() (*rtp.Packet, error) {
			pkt, _, err := track.ReadRTP()
			return pkt, err
		},
		sink: sink,
	}
}

// loop drains the remote track until the leg ends. A nil sink still drains.
func (p *playout) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("playout ctx done")
			return
		default:
		}
		pkt, err := p.src()
		if err != nil {
			logger.Debug().Err(err).Msg("playout read RTP, stopping")
			return
		}
		p.forward(pkt, logger)
	}
}

func (p *playout) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	if p.sink == nil || len(pkt.Payload) == 0 {
		return
	}
	if _, err := p.sink.Write(pkt.Payload); err != nil {
		logger.Warn().Err(err).Msg("playout write error, dropping sink")
		p.sink = nil
	}
}
