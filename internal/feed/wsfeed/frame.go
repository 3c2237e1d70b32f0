// Package wsfeed carries realtime channels over websockets: Client is a push service for
// remote processes and Handler bridges a local push service onto incoming sockets.
//
// One socket carries one channel. The client opens with a subscribe frame; the server
// answers with a status frame and then streams change frames.
package wsfeed

import "github.com/MarcoPoloResearchLab/projectsync/internal/realtime"

const (
	frameSubscribe = "subscribe"
	frameStatus    = "status"
	frameChange    = "change"
)

type frame struct {
	Type     string                        `json:"type"`
	Channel  string                        `json:"channel,omitempty"`
	Bindings []realtime.SubscriptionConfig `json:"bindings,omitempty"`
	Status   realtime.ChannelStatus        `json:"status,omitempty"`
	Error    string                        `json:"error,omitempty"`
	Event    *realtime.ChangeEvent         `json:"event,omitempty"`
}

func statusFrame(status realtime.ChannelStatus, err error) frame {
	f := frame{Type: frameStatus, Status: status}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}

func terminal(status realtime.ChannelStatus) bool {
	return status == realtime.StatusChannelError || status == realtime.StatusClosed || status == realtime.StatusTimedOut
}
