package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolnet-labs/warden/pkg/connections"
	"github.com/schoolnet-labs/warden/pkg/decision"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := envelope{ID: 7, Kind: kindCreateTab, Payload: json.RawMessage(`{"url":"https://a"}`)}
	require.NoError(t, writeEnvelope(&buf, in))

	// 4-byte little-endian length prefix.
	length := binary.LittleEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, int(length), buf.Len()-4)

	out, err := readEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Kind, out.Kind)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestReadEnvelopeRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], maxInboundLength+1)
	buf.Write(header[:])

	_, err := readEnvelope(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestWriteEnvelopeRejectsOversizedPayload(t *testing.T) {
	env := envelope{Kind: kindRequest, Payload: bytes.Repeat([]byte("a"), maxOutboundLength+1)}
	err := writeEnvelope(io.Discard, env)
	require.Error(t, err)
}

func TestReadEnvelopeEOF(t *testing.T) {
	_, err := readEnvelope(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

type recordingHandler struct {
	mu         sync.Mutex
	tokens     []string
	events     []connections.Event
	redirected []string
	policy     int
	redirect   string
	lastOpts   decision.Options
}

func (h *recordingHandler) DecideRequest(_ context.Context, rawURL string, opts decision.Options) (string, bool) {
	h.mu.Lock()
	h.lastOpts = opts
	h.mu.Unlock()
	if h.redirect != "" {
		return h.redirect, true
	}
	return "", false
}

func (h *recordingHandler) EnforceSafeSearch(string) (string, bool) { return "", false }
func (h *recordingHandler) YouTubeRestrictHeader() string          { return "moderate" }

func (h *recordingHandler) OnIdentityToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = append(h.tokens, token)
}

func (h *recordingHandler) OnPolicyChange(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policy++
}

func (h *recordingHandler) OnRequestRedirected(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redirected = append(h.redirected, requestID)
}

func (h *recordingHandler) RecordConnectionEvent(_ context.Context, ev connections.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

// companion is the browser end of the pipe pair.
type companion struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newConnPair(t *testing.T) (*Conn, *companion) {
	t.Helper()
	agentIn, companionOut := io.Pipe()
	companionIn, agentOut := io.Pipe()
	t.Cleanup(func() {
		companionOut.Close()
		agentOut.Close()
	})
	return NewConn(agentIn, agentOut), &companion{reader: companionIn, writer: companionOut}
}

func (c *companion) send(t *testing.T, env envelope) {
	t.Helper()
	require.NoError(t, writeEnvelope(c.writer, env))
}

func (c *companion) receive(t *testing.T) envelope {
	t.Helper()
	env, err := readEnvelope(c.reader)
	require.NoError(t, err)
	return env
}

func TestServeDispatchesRequestAndReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, ext := newConnPair(t)
	h := &recordingHandler{redirect: "https://block.example/?x"}
	go conn.Serve(ctx, h)

	payload, _ := json.Marshal(requestPayload{
		RequestID: "1",
		URL:       "https://games.example.com/",
		Method:    "GET",
		Initiator: "https://games.example.com",
	})
	ext.send(t, envelope{ID: 41, Kind: kindRequest, Payload: payload})

	reply := ext.receive(t)
	assert.Equal(t, int64(41), reply.ReplyTo)
	var r requestReply
	require.NoError(t, json.Unmarshal(reply.Payload, &r))
	assert.Equal(t, "https://block.example/?x", r.RedirectURI)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "1", h.lastOpts.RequestID)
	assert.Equal(t, "https://games.example.com", h.lastOpts.Initiator)
	assert.Equal(t, "GET", h.lastOpts.Method)
}

func TestServeDispatchesFireAndForgetKinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, ext := newConnPair(t)
	h := &recordingHandler{}
	go conn.Serve(ctx, h)

	token, _ := json.Marshal(identityPayload{Token: "tok-1"})
	ext.send(t, envelope{Kind: kindIdentity, Payload: token})
	ext.send(t, envelope{Kind: kindPolicy})
	redirected, _ := json.Marshal(redirectedPayload{RequestID: "9"})
	ext.send(t, envelope{Kind: kindRedirected, Payload: redirected})
	event, _ := json.Marshal(connectionPayload{RequestID: "9", URL: "https://a/", Completed: true})
	ext.send(t, envelope{Kind: kindConnection, Payload: event})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.tokens) == 1 && h.policy == 1 && len(h.redirected) == 1 && len(h.events) == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "tok-1", h.tokens[0])
	assert.Equal(t, "9", h.redirected[0])
	assert.True(t, h.events[0].Completed)
}

func TestQueryTabsRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, ext := newConnPair(t)
	go conn.Serve(ctx, &recordingHandler{})

	// Companion side: answer the one expected query.
	go func() {
		env, err := readEnvelope(ext.reader)
		if err != nil {
			return
		}
		body, _ := json.Marshal(queryTabsReply{Tabs: []wireTab{
			{ID: 3, URL: "https://docs.google.com/", Active: true},
			{ID: 4, URL: "chrome://newtab"},
		}})
		writeEnvelope(ext.writer, envelope{ReplyTo: env.ID, Payload: body})
	}()

	tabs, err := conn.QueryTabs(ctx)
	require.NoError(t, err)
	require.Len(t, tabs, 2)
	assert.Equal(t, 3, tabs[0].ID)
	assert.Equal(t, "https://docs.google.com/", tabs[0].URL)
	assert.True(t, tabs[0].Active)
}

func TestCallErrorReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, ext := newConnPair(t)
	go conn.Serve(ctx, &recordingHandler{})

	go func() {
		env, err := readEnvelope(ext.reader)
		if err != nil {
			return
		}
		writeEnvelope(ext.writer, envelope{ReplyTo: env.ID, Error: "no such tab"})
	}()

	err := conn.CloseTab(ctx, 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such tab")
}

func TestHeaderRulesReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, ext := newConnPair(t)
	go conn.Serve(ctx, &recordingHandler{})

	ext.send(t, envelope{ID: 5, Kind: kindHeaders})
	reply := ext.receive(t)
	var r headerRulesReply
	require.NoError(t, json.Unmarshal(reply.Payload, &r))
	assert.Equal(t, "moderate", r.YouTubeRestrict)
}
