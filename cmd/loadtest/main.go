package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"-"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type wsEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sentMessage struct {
	ClientMessageID *string `json:"clientMessageId"`
	SenderID        string  `json:"senderId"`
}

type options struct {
	baseURL       string
	users         int
	conversations int
	rate          float64
	duration      time.Duration
	batchSize     int
}

type OperationType int

const (
	SendOperation OperationType = iota
	DeliverOperation
)

type Stats struct {
	sync.Mutex
	totalRequests    int64
	successRequests  int64
	failedRequests   int64
	totalLatency     time.Duration
	maxLatency       time.Duration
	minLatency       time.Duration
	eventsPerSecond  float64
	sendLatencies    []time.Duration // send -> echo to sender
	deliverLatencies []time.Duration // send -> first delivery to another member
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case SendOperation:
		s.sendLatencies = append(s.sendLatencies, latency)
	case DeliverOperation:
		s.deliverLatencies = append(s.deliverLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.eventsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

func p99(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Stats) p99Send() time.Duration {
	s.Lock()
	defer s.Unlock()
	return p99(s.sendLatencies)
}

func (s *Stats) p99Deliver() time.Duration {
	s.Lock()
	defer s.Unlock()
	return p99(s.deliverLatencies)
}

// pending tracks in-flight sends by clientMessageId so the receiving side
// can compute latency.
type pending struct {
	mu        sync.Mutex
	sentAt    map[string]time.Time
	delivered map[string]bool
}

func newPending() *pending {
	return &pending{sentAt: make(map[string]time.Time), delivered: make(map[string]bool)}
}

func (p *pending) add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentAt[id] = time.Now()
}

// observe returns the latency for id once per role.
func (p *pending) observe(id string, own bool) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.sentAt[id]
	if !ok {
		return 0, false
	}
	if own {
		return time.Since(at), true
	}
	if p.delivered[id] {
		return 0, false
	}
	p.delivered[id] = true
	return time.Since(at), true
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) post(path, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, env.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *apiClient) registerUser(run string, id int) (*User, error) {
	var result struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	err := c.post("/auth/register", "", map[string]string{
		"username": fmt.Sprintf("lt_%s_%d", run, id),
		"password": "testpass123",
	}, &result)
	if err != nil {
		return nil, err
	}
	result.User.Token = result.Token
	return &result.User, nil
}

func (c *apiClient) createGroup(owner *User, id int, members []string) (string, error) {
	var conv struct {
		ID string `json:"id"`
	}
	err := c.post("/conversations", owner.Token, map[string]any{
		"type":      "GROUP",
		"title":     fmt.Sprintf("LoadTest Conversation %d", id),
		"memberIds": members,
	}, &conv)
	return conv.ID, err
}

func registerUsers(c *apiClient, opts options, logger *zap.Logger) []*User {
	run := fmt.Sprintf("%d", time.Now().Unix())
	users := make([]*User, opts.users)

	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0
	for i := 0; i < opts.users; i += opts.batchSize {
		end := min(i+opts.batchSize, opts.users)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for j := start; j < end; j++ {
				u, err := c.registerUser(run, j)
				if err != nil {
					mu.Lock()
					failures++
					if failures <= 10 {
						logger.Warn("registration failed", zap.Int("user", j), zap.Error(err))
					}
					mu.Unlock()
					continue
				}
				users[j] = u
			}
		}(i, end)
	}
	wg.Wait()

	registered := users[:0]
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	return registered
}

// assign spreads users round-robin over conversations; the first user of
// each bucket owns it.
func assign(c *apiClient, users []*User, count int) (map[string][]string, error) {
	buckets := make([][]*User, count)
	for i, u := range users {
		buckets[i%count] = append(buckets[i%count], u)
	}

	byUser := make(map[string][]string)
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		members := make([]string, 0, len(bucket)-1)
		for _, u := range bucket[1:] {
			members = append(members, u.ID)
		}
		convID, err := c.createGroup(bucket[0], i, members)
		if err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		for _, u := range bucket {
			byUser[u.ID] = append(byUser[u.ID], convID)
		}
	}
	return byUser, nil
}

func simulateUser(ctx context.Context, opts options, user *User, convIDs []string, inflight *pending, stats *Stats, logger *zap.Logger) {
	wsURL := strings.Replace(opts.baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(user.Token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		stats.recordError()
		logger.Warn("dial failed", zap.String("user", user.Username), zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(ev string, payload any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(map[string]any{"type": ev, "payload": payload})
	}

	for _, id := range convIDs {
		if err := write("join_conversation", map[string]string{"conversationId": id}); err != nil {
			stats.recordError()
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev wsEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.Type {
			case "message":
				var msg sentMessage
				if json.Unmarshal(ev.Payload, &msg) != nil || msg.ClientMessageID == nil {
					continue
				}
				own := msg.SenderID == user.ID
				if latency, ok := inflight.observe(*msg.ClientMessageID, own); ok {
					op := DeliverOperation
					if own {
						op = SendOperation
					}
					stats.recordSuccess(latency, op)
				}
			case "ws_error":
				stats.recordError()
			}
		}
	}()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / opts.rate))
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case <-done:
			return
		case <-ticker.C:
		}

		seq++
		clientID := fmt.Sprintf("%s-%d", user.ID, seq)
		content := fmt.Sprintf("Test message from %s at %s", user.Username, time.Now().Format(time.RFC3339))
		inflight.add(clientID)
		if err := write("send_message", map[string]any{
			"conversationId":  convIDs[rand.Intn(len(convIDs))],
			"type":            "TEXT",
			"content":         content,
			"clientMessageId": clientID,
		}); err != nil {
			stats.recordError()
			return
		}
	}
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Server base URL")
	flag.IntVar(&opts.users, "users", 1000, "Number of simulated users")
	flag.IntVar(&opts.conversations, "conversations", 100, "Number of group conversations")
	flag.Float64Var(&opts.rate, "rate", 1, "Messages per second per user")
	flag.DurationVar(&opts.duration, "duration", 60*time.Second, "Simulation length")
	flag.IntVar(&opts.batchSize, "batch", 100, "Users registered per parallel batch")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("starting load test",
		zap.Int("users", opts.users),
		zap.Float64("rate", opts.rate),
		zap.Duration("duration", opts.duration))

	api := &apiClient{baseURL: opts.baseURL, http: &http.Client{Timeout: 10 * time.Second}}

	start := time.Now()
	users := registerUsers(api, opts, logger)
	logger.Info("users registered",
		zap.Int("registered", len(users)),
		zap.Duration("took", time.Since(start)))
	if len(users) < opts.users/2 {
		logger.Fatal("too many registration failures, aborting load test")
	}

	byUser, err := assign(api, users, min(opts.conversations, len(users)))
	if err != nil {
		logger.Fatal("failed to create conversations", zap.Error(err))
	}

	stats := &Stats{}
	inflight := newPending()
	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	var wg sync.WaitGroup
	start = time.Now()
	for _, u := range users {
		wg.Add(1)
		go func(u *User) {
			defer wg.Done()
			simulateUser(ctx, opts, u, byUser[u.ID], inflight, stats, logger)
		}(u)
	}
	wg.Wait()
	duration := time.Since(start)
	stats.calculateStats(duration)

	avg := time.Duration(0)
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}
	logger.Info("load test results",
		zap.Int64("total", stats.totalRequests),
		zap.Int64("success", stats.successRequests),
		zap.Int64("failed", stats.failedRequests),
		zap.Duration("avg_latency", avg),
		zap.Duration("min_latency", stats.minLatency),
		zap.Duration("max_latency", stats.maxLatency),
		zap.Duration("p99_send", stats.p99Send()),
		zap.Duration("p99_deliver", stats.p99Deliver()),
		zap.Float64("events_per_second", stats.eventsPerSecond),
		zap.Duration("duration", duration))
}
