// Package imagegen talks to the image inference service over its persistent
// websocket. Tasks are correlated with replies by taskUUID.
package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatdesk/internal/metrics"
)

var (
	ErrClosed   = errors.New("image socket closed")
	ErrDisabled = errors.New("image generation is not configured")
)

const (
	taskAuthentication = "authentication"
	taskImageInference = "imageInference"
)

type Config struct {
	URL          string
	APIKey       string
	Model        string
	Width        int
	Height       int
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Model          string
	Width          int
	Height         int
	NumberResults  int
}

type Image struct {
	TaskUUID  string `json:"taskUUID"`
	ImageUUID string `json:"imageUUID,omitempty"`
	ImageURL  string `json:"imageURL"`
}

// APIError is an error frame sent by the service.
type APIError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	TaskUUID string `json:"taskUUID"`
	TaskType string `json:"taskType"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("image service error %s: %s", e.Code, e.Message)
	}
	return "image service error: " + e.Message
}

type Client struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	connMu sync.Mutex
	conn   *websocket.Conn
	writeM sync.Mutex

	mu      sync.Mutex
	pending map[string]*task
	auth    chan error
	loops   sync.WaitGroup
}

type task struct {
	want   int
	images []Image
	done   chan error
}

func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Width <= 0 {
		cfg.Width = 512
	}
	if cfg.Height <= 0 {
		cfg.Height = 512
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "imagegen").Logger(),
		metrics: m,
		pending: map[string]*task{},
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.cfg.URL != "" && c.cfg.APIKey != ""
}

// Connect dials and authenticates unless a live socket already exists.
func (c *Client) Connect(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial image socket: %w", err)
	}

	authCh := make(chan error, 1)
	c.mu.Lock()
	c.auth = authCh
	c.mu.Unlock()

	c.conn = conn
	c.loops.Add(1)
	go c.readLoop(conn)

	if err := c.authenticate(ctx, conn, authCh); err != nil {
		c.conn = nil
		_ = conn.Close()
		return err
	}
	c.logger.Debug().Msg("image socket connected")
	return nil
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn, authCh <-chan error) error {
	if err := c.write(conn, []map[string]any{{
		"taskType": taskAuthentication,
		"apiKey":   c.cfg.APIKey,
	}}); err != nil {
		return fmt.Errorf("send authentication: %w", err)
	}
	select {
	case err := <-authCh:
		if err != nil {
			return fmt.Errorf("authenticate image socket: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Generate runs one imageInference task and waits for all its results.
func (c *Client) Generate(ctx context.Context, req ImageRequest) ([]Image, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("image prompt is empty")
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, ErrClosed
	}

	n := max(req.NumberResults, 1)
	id := uuid.NewString()
	t := &task{want: n, done: make(chan error, 1)}
	c.mu.Lock()
	c.pending[id] = t
	c.mu.Unlock()

	payload := map[string]any{
		"taskType":       taskImageInference,
		"taskUUID":       id,
		"positivePrompt": req.Prompt,
		"model":          firstNonEmpty(req.Model, c.cfg.Model),
		"width":          firstPositive(req.Width, c.cfg.Width),
		"height":         firstPositive(req.Height, c.cfg.Height),
		"numberResults":  n,
	}
	if req.NegativePrompt != "" {
		payload["negativePrompt"] = req.NegativePrompt
	}
	if err := c.write(conn, []map[string]any{payload}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send image task: %w", err)
	}

	select {
	case err := <-t.done:
		if err != nil {
			return nil, err
		}
		c.metrics.ImageInferences.Inc()
		return t.images, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Close drops the socket and fails any pending task.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.loops.Wait()
	return err
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

type frame struct {
	Data   []dataItem      `json:"data"`
	Errors []APIError      `json:"errors"`
	Error  json.RawMessage `json:"error"`
}

type dataItem struct {
	TaskType  string `json:"taskType"`
	TaskUUID  string `json:"taskUUID"`
	ImageUUID string `json:"imageUUID"`
	ImageURL  string `json:"imageURL"`
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.loops.Done()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn().Err(err).Msg("skip undecodable image frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	for _, e := range f.Errors {
		c.fail(&e)
	}
	if len(f.Error) > 0 && string(f.Error) != "null" && string(f.Error) != "false" {
		c.fail(decodeError(f.Error))
	}

	for _, d := range f.Data {
		switch d.TaskType {
		case taskAuthentication:
			c.resolveAuth(nil)
		case taskImageInference:
			c.mu.Lock()
			t, ok := c.pending[d.TaskUUID]
			if ok {
				t.images = append(t.images, Image{TaskUUID: d.TaskUUID, ImageUUID: d.ImageUUID, ImageURL: d.ImageURL})
				if len(t.images) >= t.want {
					delete(c.pending, d.TaskUUID)
					t.done <- nil
				}
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Debug().Str("task_uuid", d.TaskUUID).Msg("result for unknown task")
			}
		}
	}
}

// fail routes an error frame to its task, or to every waiter when the
// frame carries no taskUUID. Errors for tasks already forgotten (their
// caller gave up) are dropped.
func (c *Client) fail(e *APIError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.TaskUUID != "" {
		if t, ok := c.pending[e.TaskUUID]; ok {
			delete(c.pending, e.TaskUUID)
			t.done <- e
			return
		}
		if e.TaskType != taskAuthentication {
			c.logger.Debug().Str("task_uuid", e.TaskUUID).Str("code", e.Code).Msg("error for unknown task")
			return
		}
	}
	if c.auth != nil {
		c.auth <- e
		c.auth = nil
		return
	}
	for id, t := range c.pending {
		delete(c.pending, id)
		t.done <- e
	}
}

func (c *Client) resolveAuth(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != nil {
		c.auth <- err
		c.auth = nil
	}
}

// dropConn fails the waiters before taking connMu: Connect holds connMu
// while it waits for the authentication reply.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	err := fmt.Errorf("%w: %v", ErrClosed, cause)
	c.mu.Lock()
	if c.auth != nil {
		c.auth <- err
		c.auth = nil
	}
	for id, t := range c.pending {
		delete(c.pending, id)
		t.done <- err
	}
	c.mu.Unlock()

	_ = conn.Close()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

func decodeError(raw json.RawMessage) *APIError {
	var e APIError
	if err := json.Unmarshal(raw, &e); err == nil && (e.Message != "" || e.Code != "") {
		return &e
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &APIError{Message: s}
	}
	return &APIError{Message: string(raw)}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
