// Command lk-session-probe joins a room as a bare participant and logs
// lifecycle and data-channel events, grounded on livekit-cli's join-room
// command but built directly against the session package instead of the
// server SDK.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/livekit-session/core/pkg/config"
	"github.com/livekit-session/core/pkg/datachannel"
	"github.com/livekit-session/core/pkg/participant"
	"github.com/livekit-session/core/pkg/session"
	"github.com/livekit-session/core/pkg/signaling"
)

var (
	urlFlag = &cli.StringFlag{
		Name:     "url",
		Usage:    "signalling URL, e.g. wss://my.livekit.host",
		EnvVars:  []string{"LIVEKIT_URL"},
		Required: true,
	}
	tokenFlag = &cli.StringFlag{
		Name:     "token",
		Usage:    "participant access token",
		EnvVars:  []string{"LIVEKIT_TOKEN"},
		Required: true,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn, error",
		Value: "info",
	}
)

func main() {
	app := &cli.App{
		Name:  "lk-session-probe",
		Usage: "connect to a room and log session lifecycle events",
		Flags: []cli.Flag{urlFlag, tokenFlag, logLevelFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logger.Errorw("lk-session-probe exited with error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logger.GetLogger()

	sess := session.New(log, nil)
	sess.AddListener(&probeListener{log: log})
	sess.Registry().AddListener(&participantLogger{log: log})
	sess.SetDataListener(&dataLogger{log: log})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := config.DefaultConnectOptions()
	if err := sess.Connect(ctx, opts, c.String("url"), c.String("token")); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	sess.Disconnect()
	return nil
}

type probeListener struct{ log logger.Logger }

func (p *probeListener) OnStateChange(from, to session.State) {
	p.log.Infow("session state change", "from", from.String(), "to", to.String())
}

func (p *probeListener) OnJoined(room *livekit.Room, local *livekit.ParticipantInfo) {
	roomName := ""
	if room != nil {
		roomName = room.Name
	}
	p.log.Infow("joined room", "room", roomName, "identity", local.Identity, "sid", local.Sid, "joinedAt", time.Now())
}

func (p *probeListener) OnDisconnected(reason signaling.CloseReason) {
	p.log.Infow("session disconnected", "reason", reason)
}

type participantLogger struct{ log logger.Logger }

func (p *participantLogger) OnParticipantConnected(rp *participant.RemoteParticipant) {
	p.log.Infow("participant connected", "identity", rp.Info.Identity, "sid", rp.Info.Sid)
}

func (p *participantLogger) OnParticipantUpdated(rp *participant.RemoteParticipant, changedFields []string) {
	p.log.Infow("participant updated", "identity", rp.Info.Identity, "changed", changedFields)
}

func (p *participantLogger) OnParticipantDisconnected(sid string) {
	p.log.Infow("participant disconnected", "sid", sid)
}

var _ datachannel.Listener = (*dataLogger)(nil)

// dataLogger is the probe's datachannel.Listener: it logs every inbound
// §4.6 event rather than acting on any of them.
type dataLogger struct{ log logger.Logger }

func (d *dataLogger) OnUserPacket(sourceIdentity string, payload []byte, topic string, destinationIdentities []string) {
	d.log.Infow("user packet", "from", sourceIdentity, "topic", topic, "bytes", len(payload))
}
func (d *dataLogger) OnActiveSpeakersUpdate(speakers []*livekit.SpeakerInfo) {
	d.log.Infow("active speakers update", "count", len(speakers))
}
func (d *dataLogger) OnTranscription(t *livekit.Transcription) {
	d.log.Infow("transcription received")
}
func (d *dataLogger) OnChatMessage(sourceIdentity string, msg *livekit.ChatMessage) {
	d.log.Infow("chat message", "from", sourceIdentity)
}
func (d *dataLogger) OnRpcRequest(req *livekit.RpcRequest) {
	d.log.Infow("rpc request received")
}
func (d *dataLogger) OnRpcAck(ack *livekit.RpcAck) {
	d.log.Infow("rpc ack received")
}
func (d *dataLogger) OnRpcResponse(resp *livekit.RpcResponse) {
	d.log.Infow("rpc response received")
}
func (d *dataLogger) OnMetrics(m *livekit.MetricsBatch) {
	d.log.Infow("metrics batch received")
}
func (d *dataLogger) OnStreamStarted(streamID string, header *livekit.DataStream_Header) {
	d.log.Infow("stream started", "streamId", streamID)
}
func (d *dataLogger) OnStreamCompleted(streamID string, payload []byte) {
	d.log.Infow("stream completed", "streamId", streamID, "bytes", len(payload))
}
func (d *dataLogger) OnStreamLengthMismatch(streamID string) {
	d.log.Warnw("stream length mismatch", nil, "streamId", streamID)
}
