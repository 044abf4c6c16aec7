/*
Copyright 2020-2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/gravitational/egressd/lib/task"
)

// isWebSocketUpgrade reports whether resp accepted req's request to switch
// to the WebSocket protocol.
func isWebSocketUpgrade(req *http.Request, resp *http.Response) bool {
	return resp.StatusCode == http.StatusSwitchingProtocols &&
		strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") &&
		strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// relayWebSocket takes over client/upstream once both sides have agreed to
// switch protocols, and frame-relays messages between them according to
// the configured WebSocket policy action. ActionBlock closes the session
// outright instead of relaying; any other action (including ActionDetour,
// which has no frame-level handling of its own yet) relays frames
// unmodified, mirroring type and close code.
func (a *Auditor) relayWebSocket(tsk *task.Task, client, upstream net.Conn) {
	if a.cfg.Policy.actionFor(ProtocolWebSocket) == ActionBlock {
		client.Close()
		upstream.Close()
		return
	}

	clientWS := websocket.NewConn(client, true, 0, 0, nil, nil, nil)
	upstreamWS := websocket.NewConn(upstream, false, 0, 0, nil, nil, nil)

	done := make(chan struct{}, 2)
	go func() { relayWSFrames(upstreamWS, clientWS); done <- struct{}{} }()
	go func() { relayWSFrames(clientWS, upstreamWS); done <- struct{}{} }()
	<-done
	<-done
}

func relayWSFrames(dst, src *websocket.Conn) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				dst.WriteMessage(websocket.CloseMessage, []byte{})
			}
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}
