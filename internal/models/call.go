package models

// SignalType is the kind of a call signaling envelope.
type SignalType string

const (
	SignalOffer  SignalType = "OFFER"
	SignalAnswer SignalType = "ANSWER"
	SignalICE    SignalType = "ICE"
	SignalEnd    SignalType = "END"
)

// CallMode selects which media a call carries.
type CallMode string

const (
	CallAudio CallMode = "audio"
	CallVideo CallMode = "video"
)

// End reasons carried in END envelopes.
const (
	EndReasonBusy     = "busy"
	EndReasonRejected = "rejected"
	EndReasonEnded    = "ended"
)

// Signal is a call signaling envelope. From is filled in by the server;
// To is the target user's email.
type Signal struct {
	Type SignalType `json:"type"`
	From string     `json:"from,omitempty"`
	To   string     `json:"to"`
	Data SignalData `json:"data"`
}

// SignalData is the type-dependent payload of a Signal.
type SignalData struct {
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	CallMode  CallMode            `json:"callMode,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
