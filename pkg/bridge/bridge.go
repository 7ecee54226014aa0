package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schoolnet-labs/warden/pkg/connections"
	"github.com/schoolnet-labs/warden/pkg/decision"
	"github.com/schoolnet-labs/warden/pkg/session"
)

// Message kinds the companion sends.
const (
	kindRequest    = "request"
	kindConnection = "connection_event"
	kindRedirected = "request_redirected"
	kindIdentity   = "identity_token"
	kindPolicy     = "policy_change"
	kindHeaders    = "header_rules"
)

// Message kinds the agent sends. Each expects a reply carrying the same id.
const (
	kindQueryTabs      = "query_tabs"
	kindCreateTab      = "create_tab"
	kindCloseTab       = "close_tab"
	kindUpdateTab      = "update_tab"
	kindNewTabBlocking = "set_new_tab_blocking"
	kindNavigationLock = "set_navigation_lock"
)

// tabCallTimeout bounds each tab command round trip.
const tabCallTimeout = 5 * time.Second

// Handler is the agent-side surface the bridge dispatches inbound traffic
// to. The policy engine implements it.
type Handler interface {
	DecideRequest(ctx context.Context, rawURL string, opts decision.Options) (redirect string, ok bool)
	EnforceSafeSearch(rawURL string) (string, bool)
	YouTubeRestrictHeader() string
	OnIdentityToken(rawToken string)
	OnPolicyChange(ctx context.Context)
	OnRequestRedirected(requestID string)
	RecordConnectionEvent(ctx context.Context, ev connections.Event)
}

// requestPayload is an interception event asking for a verdict.
type requestPayload struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
	Method    string `json:"method,omitempty"`
	Initiator string `json:"initiator,omitempty"`
	Body      []byte `json:"body,omitempty"`
}

// requestReply is the verdict for one interception event. An empty
// RedirectURI means let the request through unchanged.
type requestReply struct {
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// connectionPayload mirrors connections.Event on the wire.
type connectionPayload struct {
	RequestID       string               `json:"request_id"`
	URL             string               `json:"url"`
	Method          string               `json:"method,omitempty"`
	Initiator       string               `json:"initiator,omitempty"`
	IP              string               `json:"ip,omitempty"`
	FromCache       bool                 `json:"from_cache,omitempty"`
	RequestHeaders  []connections.Header `json:"request_headers,omitempty"`
	ResponseHeaders []connections.Header `json:"response_headers,omitempty"`
	RequestBodySize int64                `json:"request_body_size,omitempty"`
	SearchQuery     string               `json:"search_query,omitempty"`
	TabTitle        string               `json:"tab_title,omitempty"`
	Completed       bool                 `json:"completed,omitempty"`
}

type identityPayload struct {
	Token string `json:"token"`
}

type redirectedPayload struct {
	RequestID string `json:"request_id"`
}

// headerRulesReply tells the companion which request headers to inject.
type headerRulesReply struct {
	YouTubeRestrict string `json:"youtube_restrict,omitempty"`
}

// wireTab is the companion's tab shape.
type wireTab struct {
	ID         int    `json:"id"`
	URL        string `json:"url"`
	PendingURL string `json:"pendingUrl,omitempty"`
	Title      string `json:"title,omitempty"`
	FavIconURL string `json:"favIconUrl,omitempty"`
	Active     bool   `json:"active,omitempty"`
}

type queryTabsReply struct {
	Tabs []wireTab `json:"tabs"`
}

type tabCommandPayload struct {
	TabID   int    `json:"tab_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// Conn is one native-messaging connection to the companion. It satisfies
// session.TabController; inbound traffic is served by Serve.
type Conn struct {
	reader io.Reader
	logger *slog.Logger

	writeMu sync.Mutex
	writer  io.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan envelope
}

var _ session.TabController = (*Conn)(nil)

func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{
		reader:  r,
		writer:  w,
		logger:  slog.Default().With("component", "bridge"),
		pending: make(map[int64]chan envelope),
	}
}

// Serve reads messages until the companion closes the stream or the
// context ends. Replies to outstanding tab commands are routed to their
// waiters; everything else is dispatched to the handler.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := readEnvelope(c.reader)
		if err == io.EOF {
			c.logger.Info("companion closed the connection")
			return nil
		}
		if err != nil {
			return err
		}

		if env.ReplyTo != 0 {
			c.deliver(env)
			continue
		}
		go c.dispatch(ctx, h, env)
	}
}

func (c *Conn) deliver(env envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ReplyTo]
	delete(c.pending, env.ReplyTo)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("reply for unknown message", "reply_to", env.ReplyTo)
		return
	}
	ch <- env
}

func (c *Conn) dispatch(ctx context.Context, h Handler, env envelope) {
	switch env.Kind {
	case kindRequest:
		var p requestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad request payload", "error", err)
			return
		}
		redirect, ok := h.DecideRequest(ctx, p.URL, decision.Options{
			RequestID: p.RequestID,
			Initiator: p.Initiator,
			Method:    p.Method,
			Body:      p.Body,
		})
		reply := requestReply{}
		if ok {
			reply.RedirectURI = redirect
		}
		c.reply(env.ID, reply)

	case kindConnection:
		var p connectionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad connection payload", "error", err)
			return
		}
		h.RecordConnectionEvent(ctx, connections.Event{
			RequestID:       p.RequestID,
			URL:             p.URL,
			Method:          p.Method,
			Initiator:       p.Initiator,
			IP:              p.IP,
			FromCache:       p.FromCache,
			RequestHeaders:  p.RequestHeaders,
			ResponseHeaders: p.ResponseHeaders,
			RequestBodySize: p.RequestBodySize,
			SearchQuery:     p.SearchQuery,
			TabTitle:        p.TabTitle,
			Completed:       p.Completed,
		})

	case kindRedirected:
		var p redirectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad redirect payload", "error", err)
			return
		}
		h.OnRequestRedirected(p.RequestID)

	case kindIdentity:
		var p identityPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.logger.Warn("bad identity payload", "error", err)
			return
		}
		h.OnIdentityToken(p.Token)

	case kindPolicy:
		h.OnPolicyChange(ctx)

	case kindHeaders:
		c.reply(env.ID, headerRulesReply{YouTubeRestrict: h.YouTubeRestrictHeader()})

	default:
		c.logger.Warn("unknown message kind", "kind", env.Kind)
	}
}

// reply sends a response for an inbound message. Messages sent without an
// id expect no reply.
func (c *Conn) reply(id int64, payload any) {
	if id == 0 {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal reply failed", "error", err)
		return
	}
	if err := c.send(envelope{ReplyTo: id, Payload: body}); err != nil {
		c.logger.Error("send reply failed", "error", err)
	}
}

func (c *Conn) send(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeEnvelope(c.writer, env)
}

// call sends a command and waits for its reply.
func (c *Conn) call(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(envelope{ID: id, Kind: kind, Payload: body}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, tabCallTimeout)
	defer cancel()
	select {
	case env := <-ch:
		if env.Error != "" {
			return nil, fmt.Errorf("%s: %s", kind, env.Error)
		}
		return env.Payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", kind, ctx.Err())
	}
}

func (c *Conn) QueryTabs(ctx context.Context) ([]session.Tab, error) {
	raw, err := c.call(ctx, kindQueryTabs, tabCommandPayload{})
	if err != nil {
		return nil, err
	}
	var reply queryTabsReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode tabs: %w", err)
	}
	tabs := make([]session.Tab, 0, len(reply.Tabs))
	for _, t := range reply.Tabs {
		tabs = append(tabs, session.Tab{
			ID:         t.ID,
			URL:        t.URL,
			PendingURL: t.PendingURL,
			Title:      t.Title,
			FavIconURL: t.FavIconURL,
			Active:     t.Active,
		})
	}
	return tabs, nil
}

func (c *Conn) CreateTab(ctx context.Context, url string) error {
	_, err := c.call(ctx, kindCreateTab, tabCommandPayload{URL: url})
	return err
}

func (c *Conn) CloseTab(ctx context.Context, id int) error {
	_, err := c.call(ctx, kindCloseTab, tabCommandPayload{TabID: id})
	return err
}

func (c *Conn) UpdateTab(ctx context.Context, id int, url string) error {
	_, err := c.call(ctx, kindUpdateTab, tabCommandPayload{TabID: id, URL: url})
	return err
}

func (c *Conn) SetNewTabBlocking(ctx context.Context, blocked bool) error {
	_, err := c.call(ctx, kindNewTabBlocking, tabCommandPayload{Enabled: blocked})
	return err
}

func (c *Conn) SetNavigationLock(ctx context.Context, locked bool) error {
	_, err := c.call(ctx, kindNavigationLock, tabCommandPayload{Enabled: locked})
	return err
}
