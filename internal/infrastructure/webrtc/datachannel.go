package webrtc

import "github.com/pion/webrtc/v3"

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string                       { return d.dc.Label() }
func (d *dataChannel) ReadyState() webrtc.DataChannelState { return d.dc.ReadyState() }
func (d *dataChannel) SendText(text string) error          { return d.dc.SendText(text) }
func (d *dataChannel) OnOpen(fn func())                    { d.dc.OnOpen(fn) }
func (d *dataChannel) OnClose(fn func())                   { d.dc.OnClose(fn) }
func (d *dataChannel) Close() error                        { return d.dc.Close() }

func (d *dataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
