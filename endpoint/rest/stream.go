/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package rest

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rulego/deltaflow/api/types"
	"github.com/rulego/deltaflow/utils/json"
)

const (
	// streamBuffer is the number of changes queued per connection before it is dropped.
	streamBuffer = 64
	writeTimeout = 10 * time.Second
)

// subscriber is one websocket connection of the DeltaFile stream.
type subscriber struct {
	conn *websocket.Conn
	// did restricts the stream to one DeltaFile when set.
	did  string
	send chan []byte
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.send) })
}

// stream fans saved DeltaFiles out to websocket connections.
type stream struct {
	Upgrader    websocket.Upgrader
	logger      types.Logger
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

func newStream(logger types.Logger) *stream {
	return &stream{
		Upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
}

// publish sends a change to every matching connection. A connection too slow to keep up is dropped.
func (s *stream) publish(deltaFile *types.DeltaFile) {
	var data []byte
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		if sub.did != "" && sub.did != deltaFile.DID {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(deltaFile); err != nil {
				s.logger.Error("encoding deltaFile change", "did", deltaFile.DID, "error", err)
				return
			}
		}
		select {
		case sub.send <- data:
		default:
			s.logger.Warn("dropping slow deltaFile stream", "remote", sub.conn.RemoteAddr().String())
			delete(s.subscribers, sub)
			sub.stop()
		}
	}
}

func (s *stream) add(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subscribers[sub] = struct{}{}
	return true
}

func (s *stream) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
	sub.stop()
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		sub.stop()
	}
}

// serve upgrades the request and streams changes until the client goes away.
// The did query parameter restricts the stream to one DeltaFile.
func (s *stream) serve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	sub := &subscriber{conn: conn, did: r.URL.Query().Get("did"), send: make(chan []byte, streamBuffer)}
	if !s.add(sub) {
		_ = conn.Close()
		return
	}
	go s.read(sub)
	s.write(sub)
}

// read discards client messages and notices the close of the connection.
func (s *stream) read(sub *subscriber) {
	defer s.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *stream) write(sub *subscriber) {
	defer sub.conn.Close()
	for data := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.remove(sub)
			return
		}
	}
	_ = sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

func (s *stream) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
