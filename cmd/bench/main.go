// Command bench measures the group message latency of a running huddle server.
// It registers a set of users, puts them in one group and lets every user
// post to the group at a fixed interval. The latency of a message is the time
// until its sender receives it back from the group room.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	huddle "github.com/putto11262002/huddle/app"
	"github.com/putto11262002/huddle/core"
	"golang.org/x/sync/errgroup"
)

type client struct {
	id    int64
	token string
	conn  *websocket.Conn

	mu   sync.Mutex
	sent map[string]time.Time
}

type stats struct {
	mu        sync.Mutex
	sent      int
	latencies []time.Duration
}

func (s *stats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
}

type api struct {
	base string
}

func (a *api) do(method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, a.base+path, &buf)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s: %s", method, path, res.Status)
	}
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (a *api) newClient(username string) (*client, error) {
	user := core.User{Name: username, Username: username, Password: "password"}
	var created huddle.RegisterUserResponse
	if err := a.do(http.MethodPost, "/api/users", "", user, &created); err != nil {
		return nil, err
	}
	var session core.AuthSession
	if err := a.do(http.MethodPost, "/api/auth/signin", "", huddle.SigninPayload{Username: username, Password: "password"}, &session); err != nil {
		return nil, err
	}
	return &client{id: created.ID, token: session.Token, sent: make(map[string]time.Time)}, nil
}

func (c *client) dial(base string) error {
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws?" + core.AuthQueryParam + "=" + c.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("Dial: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *client) read(st *stats) {
	for {
		var e core.Event
		if err := c.conn.ReadJSON(&e); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("client %d: read error: %v", c.id, err)
			}
			return
		}
		if e.Type != core.NewMessageEvent {
			continue
		}
		var msg core.NewMessagePayload
		if err := json.Unmarshal(e.Payload, &msg); err != nil || msg.Sender.ID != c.id {
			continue
		}
		c.mu.Lock()
		start, ok := c.sent[msg.Content]
		delete(c.sent, msg.Content)
		c.mu.Unlock()
		if ok {
			st.record(time.Since(start))
		}
	}
}

func (c *client) write(ctx context.Context, groupID int64, size int, interval time.Duration, st *stats) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	padding := strings.Repeat("a", size)
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		content := fmt.Sprintf("%d:%d:%s", c.id, seq, padding)
		e, err := core.NewEvent(huddle.SendMessageEvent, huddle.SendMessagePayload{
			ChatPayload: huddle.ChatPayload{ChatType: core.GroupChat, ChatID: groupID},
			Content:     content,
		})
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sent[content] = time.Now()
		c.mu.Unlock()
		if err := c.conn.WriteJSON(e); err != nil {
			return fmt.Errorf("client %d: write: %w", c.id, err)
		}
		st.mu.Lock()
		st.sent++
		st.mu.Unlock()
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[min(int(float64(len(sorted))*p), len(sorted)-1)]
}

func main() {
	base := flag.String("addr", "http://localhost:8080", "base url of the server")
	numberOfClients := flag.Int("clients", 50, "number of connected users")
	messageSize := flag.Int("size", 100, "message size in bytes")
	interval := flag.Duration("interval", time.Second/2, "interval between messages of one user")
	duration := flag.Duration("duration", 10*time.Second, "test duration")
	flag.Parse()

	a := &api{base: strings.TrimSuffix(*base, "/")}
	run := rand.Int63()

	clients := make([]*client, *numberOfClients)
	for i := range clients {
		c, err := a.newClient(fmt.Sprintf("bench%dx%d", run%100000, i))
		if err != nil {
			log.Fatalf("failed to create client %d: %v", i, err)
		}
		clients[i] = c
	}

	owner := clients[0]
	var group huddle.CreateResponse
	if err := a.do(http.MethodPost, "/api/groups", owner.token, huddle.CreateGroupPayload{Name: "bench"}, &group); err != nil {
		log.Fatalf("failed to create group: %v", err)
	}
	for _, c := range clients[1:] {
		path := fmt.Sprintf("/api/groups/%d/members", group.ID)
		if err := a.do(http.MethodPost, path, owner.token, huddle.AddGroupMemberPayload{UserID: c.id, Role: core.Member}, nil); err != nil {
			log.Fatalf("failed to add member %d: %v", c.id, err)
		}
	}

	st := &stats{}
	for _, c := range clients {
		if err := c.dial(a.base); err != nil {
			log.Fatalf("client %d: %v", c.id, err)
		}
		go c.read(st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error {
			return c.write(ctx, group.ID, *messageSize, *interval, st)
		})
	}
	if err := g.Wait(); err != nil {
		log.Printf("bench aborted: %v", err)
	}

	// let in flight messages arrive
	time.Sleep(time.Second)
	for _, c := range clients {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	slices.Sort(st.latencies)
	fmt.Printf("Total requests: %d\n", st.sent)
	fmt.Printf("Total succesful: %d\n", len(st.latencies))
	fmt.Printf("Total failed: %d\n", st.sent-len(st.latencies))
	fmt.Printf("50th percentile latency: %v\n", percentile(st.latencies, 0.50))
	fmt.Printf("99th percentile latency: %v\n", percentile(st.latencies, 0.99))
}
