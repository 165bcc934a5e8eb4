// Package av implements WebRTC call signaling over the encrypted message
// envelope: ringing, accept/busy/end control, SDP offer/answer and ICE
// exchange, TURN credential handling with a STUN-only fallback, and
// mid-call media mode switching between audio, video and screen share.
//
// The call state machine is strictly single-call: idle, outgoing, ringing
// or connected, and every terminal transition converges back to idle with
// the peer connection closed and local media released. Media capture is
// injected through the MediaSource interface; this package never opens
// devices itself.
package av
