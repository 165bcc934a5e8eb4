package av

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaychat/messaging"
	"github.com/opd-ai/relaychat/transport"
)

func TestStartCallRejectsOfflinePeer(t *testing.T) {
	h := newHarness(t)
	h.sessions.SetPeerOnline("s1", false)

	err := h.svc.StartCall(context.Background(), "s1", ModeAudio)
	assert.ErrorIs(t, err, ErrPeerOffline)
	assert.Equal(t, StateIdle, h.svc.State())
	// No peer connection was created and nothing hit the wire.
	assert.Empty(t, h.peers)
	assert.Empty(t, h.sender.sent())
}

func TestStartCallRejectsWhileBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.StartCall(context.Background(), "s1", ModeAudio))

	err := h.svc.StartCall(context.Background(), "s1", ModeAudio)
	assert.ErrorIs(t, err, ErrCallInProgress)
}

func TestStartCallRejectsBadMode(t *testing.T) {
	h := newHarness(t)
	err := h.svc.StartCall(context.Background(), "s1", "hologram")
	assert.ErrorIs(t, err, ErrBadMode)
}

func TestStartCallSendsCallStartAndOffer(t *testing.T) {
	h := newHarness(t)

	var outSID, outMode string
	h.svc.OnOutgoing(func(sid, mode string) { outSID, outMode = sid, mode })

	require.NoError(t, h.svc.StartCall(context.Background(), "s1", ModeVideo))
	assert.Equal(t, StateOutgoing, h.svc.State())
	assert.Equal(t, "s1", outSID)
	assert.Equal(t, ModeVideo, outMode)

	// The connection is prepared up front: media attached, offer on the
	// wire right behind CALL_START.
	peer := h.lastPeer(t)
	assert.True(t, peer.audio)
	assert.Equal(t, ModeVideo, peer.videoMode)
	types := payloadTypes(t, h.sender.sent())
	assert.Equal(t, []messaging.PayloadType{messaging.TypeCallStart, messaging.TypeRTCOffer}, types)
	for _, f := range h.sender.byType(transport.FrameMsg) {
		assert.Equal(t, transport.PrioritySignal, f.P)
	}
}

func TestIncomingCallRings(t *testing.T) {
	h := newHarness(t)

	var inSID, inMode string
	h.svc.OnIncoming(func(sid, mode string) { inSID, inMode = sid, mode })

	require.NoError(t, h.svc.HandleCallSignal(context.Background(), "s1",
		messaging.TypeCallStart, json.RawMessage(`{"type":"CALL_START","mode":"audio"}`)))

	assert.Equal(t, StateRinging, h.svc.State())
	assert.Equal(t, "s1", inSID)
	assert.Equal(t, ModeAudio, inMode)
	assert.Equal(t, 1, h.ringtone.played)
}

func TestBusyAutoReply(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.StartCall(context.Background(), "s1", ModeAudio))
	h.sender.reset()

	require.NoError(t, h.svc.HandleCallSignal(context.Background(), "s2",
		messaging.TypeCallStart, json.RawMessage(`{"type":"CALL_START","mode":"audio"}`)))

	frames := h.sender.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, "s2", frames[0].SID)
	typ, _ := openFrame(t, frames[0])
	assert.Equal(t, messaging.TypeCallBusy, typ)
	// The original call is untouched.
	assert.Equal(t, StateOutgoing, h.svc.State())
}

func TestCallerFlowThroughAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))

	// Accept is only a readiness signal; the offer already went out.
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))
	require.Len(t, h.peers, 1)
	peer := h.lastPeer(t)
	assert.True(t, peer.audio)

	// The answer lands, the remote description is set.
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeRTCAnswer, json.RawMessage(`{"type":"RTC_ANSWER","sdp":{"type":"answer","sdp":"x"}}`)))
	assert.True(t, peer.HasRemoteDescription())
}

func TestAcceptedCallTimesOutWithoutConnection(t *testing.T) {
	h := newHarness(t)
	h.svc.answerTimeout = 150 * time.Millisecond
	ctx := context.Background()

	ended := make(chan string, 1)
	h.svc.OnEnded(func(_, reason string) { ended <- reason })

	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))
	// The callee accepts but ICE never completes; the timer must still
	// fire and converge the machine to idle.
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))

	select {
	case reason := <-ended:
		assert.Equal(t, EndNoAnswer, reason)
	case <-time.After(10 * time.Second):
		t.Fatal("accepted but unconnected call never timed out")
	}
	assert.Equal(t, StateIdle, h.svc.State())
	assert.True(t, h.lastPeer(t).closed)
	assert.Equal(t, 1, h.media.releases())
}

func TestCalleeStashedOfferProcessedOnAccept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallStart, json.RawMessage(`{"type":"CALL_START","mode":"audio"}`)))
	// The offer races ahead of the user's accept; it must be stashed, not
	// dropped.
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeRTCOffer, json.RawMessage(`{"type":"RTC_OFFER","sdp":{"type":"offer","sdp":"x"}}`)))
	assert.Empty(t, h.peers)

	require.NoError(t, h.svc.AcceptCall(ctx))

	peer := h.lastPeer(t)
	assert.True(t, peer.HasRemoteDescription())
	assert.Equal(t, 1, h.ringtone.stops)

	types := payloadTypes(t, h.sender.sent())
	assert.Contains(t, types, messaging.TypeCallAccept)
	assert.Contains(t, types, messaging.TypeRTCAnswer)
}

func TestPendingICEFlushedAfterRemoteDescription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))
	peer := h.lastPeer(t)

	// Candidates before the remote description are queued, not applied.
	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
			messaging.TypeICECandidate, json.RawMessage(`{"type":"ICE_CANDIDATE","candidate":{"candidate":"c"}}`)))
	}
	assert.Zero(t, peer.iceCount())

	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeRTCAnswer, json.RawMessage(`{"type":"RTC_ANSWER","sdp":{"type":"answer","sdp":"x"}}`)))
	assert.Equal(t, 3, peer.iceCount())

	// Later candidates apply immediately.
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeICECandidate, json.RawMessage(`{"type":"ICE_CANDIDATE","candidate":{"candidate":"d"}}`)))
	assert.Equal(t, 4, peer.iceCount())
}

func TestConnectedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))

	started := 0
	h.svc.OnStarted(func(string) { started++ })

	peer := h.lastPeer(t)
	peer.triggerConnected()
	peer.triggerConnected()

	assert.Equal(t, 1, started)
	assert.Equal(t, StateConnected, h.svc.State())
	assert.NotZero(t, h.svc.Duration())
}

func TestTerminalConvergenceReleasesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))
	h.lastPeer(t).triggerConnected()

	var endedReason string
	h.svc.OnEnded(func(_, reason string) { endedReason = reason })

	require.NoError(t, h.svc.EndCall(ctx))

	assert.Equal(t, StateIdle, h.svc.State())
	assert.True(t, h.lastPeer(t).closed)
	assert.Equal(t, 1, h.media.releases())
	assert.Equal(t, EndLocal, endedReason)

	types := payloadTypes(t, h.sender.sent())
	assert.Contains(t, types, messaging.TypeCallEnd)
}

func TestRemoteEndTearsDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallStart, json.RawMessage(`{"type":"CALL_START","mode":"audio"}`)))

	var endedReason string
	h.svc.OnEnded(func(_, reason string) { endedReason = reason })

	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallEnd, json.RawMessage(`{"type":"CALL_END"}`)))

	assert.Equal(t, StateIdle, h.svc.State())
	assert.Equal(t, EndRemote, endedReason)
	assert.Equal(t, 1, h.media.releases())
}

func TestBusyReplyEndsOutgoingCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))

	var endedReason string
	h.svc.OnEnded(func(_, reason string) { endedReason = reason })

	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallBusy, json.RawMessage(`{"type":"CALL_BUSY"}`)))
	assert.Equal(t, StateIdle, h.svc.State())
	assert.Equal(t, EndBusy, endedReason)
}

func TestNoAnswerTimeout(t *testing.T) {
	h := newHarness(t)
	h.svc.answerTimeout = 50 * time.Millisecond

	ended := make(chan string, 1)
	h.svc.OnEnded(func(_, reason string) { ended <- reason })

	require.NoError(t, h.svc.StartCall(context.Background(), "s1", ModeAudio))

	select {
	case reason := <-ended:
		assert.Equal(t, EndNoAnswer, reason)
	case <-time.After(10 * time.Second):
		t.Fatal("unanswered call never timed out")
	}
	assert.Equal(t, StateIdle, h.svc.State())

	types := payloadTypes(t, h.sender.sent())
	assert.Contains(t, types, messaging.TypeCallEnd)
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallStart, json.RawMessage(`{"type":"CALL_START","mode":"audio"}`)))

	var endedReason string
	h.svc.OnEnded(func(_, reason string) { endedReason = reason })

	require.NoError(t, h.svc.RejectCall(ctx))
	assert.Equal(t, StateIdle, h.svc.State())
	assert.Equal(t, EndRejected, endedReason)
	assert.Empty(t, h.peers)
}

func TestSwitchModeRenegotiates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))
	peer := h.lastPeer(t)
	peer.triggerConnected()
	h.sender.reset()

	var modeSID, mode string
	var remote bool
	h.svc.OnModeChanged(func(sid, m string, r bool) { modeSID, mode, remote = sid, m, r })

	require.NoError(t, h.svc.SwitchMode(ctx, ModeVideo))
	assert.Equal(t, ModeVideo, peer.videoMode)
	assert.Equal(t, "s1", modeSID)
	assert.Equal(t, ModeVideo, mode)
	assert.False(t, remote)

	types := payloadTypes(t, h.sender.sent())
	assert.Equal(t, []messaging.PayloadType{messaging.TypeRTCOffer, messaging.TypeCallMode}, types)

	// Back to audio clears the video track.
	require.NoError(t, h.svc.SwitchMode(ctx, ModeAudio))
	assert.True(t, peer.videoCleared)
	assert.Empty(t, peer.videoMode)
}

func TestRemoteModeChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallStart, json.RawMessage(`{"type":"CALL_START","mode":"audio"}`)))

	var mode string
	var remote bool
	h.svc.OnModeChanged(func(_, m string, r bool) { mode, remote = m, r })

	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallMode, json.RawMessage(`{"type":"CALL_MODE","mode":"screen"}`)))
	assert.Equal(t, ModeScreen, mode)
	assert.True(t, remote)
}

func TestTurnCredsUsedWhenAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.svc.ResolveTurnCreds(&TurnCreds{
		URLs: []string{"turn:turn.example.com"}, Username: "u", Credential: "c",
	})
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))

	require.Len(t, h.creds, 1)
	require.NotNil(t, h.creds[0])
	assert.Equal(t, "u", h.creds[0].Username)

	// The relay was asked for credentials.
	assert.Len(t, h.sender.byType(transport.FrameGetTurnCreds), 1)
}

func TestTurnRaceFallsBackToSTUN(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// No credentials arrive; setup proceeds STUN-only after the race
	// window.
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))

	require.Len(t, h.creds, 1)
	assert.Nil(t, h.creds[0])
}

func TestToggleMic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.svc.StartCall(ctx, "s1", ModeAudio))
	h.sender.reset()

	muted, err := h.svc.ToggleMic(ctx)
	require.NoError(t, err)
	assert.True(t, muted)

	typ, data := openFrame(t, h.sender.sent()[0])
	require.Equal(t, messaging.TypeMicStatus, typ)
	var p messaging.MicStatusPayload
	require.NoError(t, json.Unmarshal(data, &p))
	assert.True(t, p.Muted)

	muted, err = h.svc.ToggleMic(ctx)
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestStraySignalsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Signals without a call in the right state are dropped quietly.
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeCallAccept, json.RawMessage(`{"type":"CALL_ACCEPT"}`)))
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeRTCAnswer, json.RawMessage(`{"type":"RTC_ANSWER","sdp":{}}`)))
	require.NoError(t, h.svc.HandleCallSignal(ctx, "s1",
		messaging.TypeICECandidate, json.RawMessage(`{"type":"ICE_CANDIDATE","candidate":{}}`)))
	assert.Equal(t, StateIdle, h.svc.State())
	assert.Empty(t, h.peers)
}
