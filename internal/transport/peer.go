package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/ctunnel/internal/protocol"
	"github.com/1ureka/ctunnel/internal/util"
)

// DefaultSTUNServers are used for ICE candidate gathering when no servers
// are configured. There is no TURN relay.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
	rtcInboxSize  = 64         // inbound DataChannel messages buffered for the reader
)

// newPeerConnection creates a PeerConnection using the given STUN servers.
func newPeerConnection(stun []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(stun) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated tunnel DataChannel. Negotiated
// mode (ID 0) lets both sides create the channel without OnDataChannel. The
// channel is ordered and reliable: frames carry no sequence numbers, so
// delivery order is the session byte order.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("ctunnel", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// RTCPeer is a PeerConnection plus the tunnel DataChannel, exposed for the
// signaling exchange. Once Ready fires, Conn returns the framed link.
type RTCPeer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	openSignal  chan struct{}
	drainSignal chan struct{}
	inbox       chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewRTCPeer creates a PeerConnection and the negotiated DataChannel. The
// peer is torn down when ctx is cancelled, the channel closes or the
// connection fails.
func NewRTCPeer(ctx context.Context, stun []string) (*RTCPeer, error) {
	pc, err := newPeerConnection(stun)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &RTCPeer{
		pc:          pc,
		dc:          dc,
		openSignal:  make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		inbox:       make(chan []byte, rtcInboxSize),
		ctx:         pCtx,
		cancel:      pCancel,
		pcState:     webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		pCancel()
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case p.drainSignal <- struct{}{}:
		default:
		}
	})

	// Blocking here stalls pion's read loop, which pushes back on the sender.
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		frame := append([]byte(nil), msg.Data...)
		select {
		case p.inbox <- frame:
		case <-pCtx.Done():
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			pCancel()
		}
	})

	return p, nil
}

// Ready is closed when the DataChannel is open.
func (p *RTCPeer) Ready() <-chan struct{} { return p.openSignal }

// Done is closed when the peer is shut down.
func (p *RTCPeer) Done() <-chan struct{} { return p.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection.
func (p *RTCPeer) Close() error {
	p.cancel()
	return errors.Join(p.dc.Close(), p.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (p *RTCPeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// CreateOffer generates an SDP offer.
func (p *RTCPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (p *RTCPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (p *RTCPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (p *RTCPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for gathered local candidates. A nil
// candidate signals the end of gathering.
func (p *RTCPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote candidate received through signaling.
func (p *RTCPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// Conn returns the framed link over the DataChannel.
func (p *RTCPeer) Conn() Conn { return &rtcConn{p: p} }

// rtcConn carries one frame per DataChannel message.
type rtcConn struct {
	p *RTCPeer
}

func (c *rtcConn) ReadMessage(shape protocol.DataShape) (protocol.Message, int, error) {
	select {
	case frame := <-c.p.inbox:
		m, err := protocol.ParseFrame(frame, shape)
		return m, len(frame), err
	case <-c.p.ctx.Done():
		return nil, 0, ErrClosed
	}
}

func (c *rtcConn) WriteMessage(m protocol.Message) (int, error) {
	select {
	case <-c.p.openSignal:
	case <-c.p.ctx.Done():
		return 0, ErrClosed
	}

	if c.p.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.p.drainSignal:
		case <-c.p.ctx.Done():
			return 0, ErrClosed
		}
	}

	frame, err := encodeFrame(m)
	if err != nil {
		return 0, err
	}
	if err := c.p.dc.Send(frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}

func (c *rtcConn) Close() error { return c.p.Close() }

func (c *rtcConn) RemoteAddr() string {
	pair, err := c.p.pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return "webrtc"
	}
	return pair.Remote.String()
}
