package httpapi

import (
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"bulkbot/internal/queue"
	logx "bulkbot/pkg/logx"
)

// wsRequest is a client frame: {"subscribe":"<jobId>"} or {"unsubscribe":"<jobId>"}.
type wsRequest struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// wsFrame is a server frame: {"event":"job:<id>","data":{...}}.
type wsFrame struct {
	Event string      `json:"event"`
	Data  queue.Event `json:"data"`
}

func (s *Server) serveWS(conn *websocket.Conn) {
	log := s.log.With(logx.String("comp", "ws"), logx.String("remote", conn.Request().RemoteAddr))
	done := make(chan struct{})
	out := make(chan wsFrame, s.cfg.WatchBuffer)

	var (
		mu   sync.Mutex
		subs = map[string]func(){}
		wg   sync.WaitGroup
	)
	defer func() {
		close(done)
		mu.Lock()
		for _, stop := range subs {
			stop()
		}
		mu.Unlock()
		wg.Wait()
		_ = conn.Close()
		log.Debug("websocket closed")
	}()

	// Writer: the only goroutine that sends on conn.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-s.closing:
				_ = conn.Close()
				return
			case f := <-out:
				if err := websocket.JSON.Send(conn, f); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	log.Debug("websocket connected")
	for {
		var req wsRequest
		if err := websocket.JSON.Receive(conn, &req); err != nil {
			return
		}
		if id := strings.TrimSpace(req.Unsubscribe); id != "" {
			mu.Lock()
			if stop, ok := subs[id]; ok {
				stop()
				delete(subs, id)
			}
			mu.Unlock()
		}
		id := strings.TrimSpace(req.Subscribe)
		if id == "" {
			continue
		}
		mu.Lock()
		if _, ok := subs[id]; ok {
			mu.Unlock()
			continue
		}
		events, stop := s.jobs.Watch(id, s.cfg.WatchBuffer)
		subs[id] = stop
		mu.Unlock()
		log.Debug("websocket subscribed", logx.String("job", id))

		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			for e := range events {
				select {
				case out <- wsFrame{Event: topic, Data: e}:
				case <-done:
					return
				}
			}
		}(queue.Topic(id))
	}
}
