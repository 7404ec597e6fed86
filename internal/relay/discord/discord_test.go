package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/converge/internal/relay"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled int
	openErr     error
	sent        []sentMessage
	sendErrs    []error // consumed one per send
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled++
	return nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func rateLimitErr() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func newConnected(t *testing.T, sess *mockSession) *Announcer {
	t.Helper()
	a, err := New(AnnouncerOpts{ChannelID: "chan-1", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 5 * time.Millisecond
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(AnnouncerOpts{ChannelID: "chan-1"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("missing token: err = %v", err)
	}
	if _, err := New(AnnouncerOpts{BotToken: "token"}); err == nil || !strings.Contains(err.Error(), "channel id") {
		t.Errorf("missing channel: err = %v", err)
	}
}

func TestConnect_OpensSession(t *testing.T) {
	sess := &mockSession{}
	newConnected(t, sess)
	if !sess.opened {
		t.Error("session not opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	a, _ := New(AnnouncerOpts{ChannelID: "chan-1", Session: &mockSession{openErr: fmt.Errorf("4004 auth failed")}})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("err = %v", err)
	}
}

func TestAnnounce_NotConnected(t *testing.T) {
	a, _ := New(AnnouncerOpts{ChannelID: "chan-1", Session: &mockSession{}})
	if err := a.Announce(context.Background(), relay.Announcement{Text: "hi"}); err == nil {
		t.Error("expected error before Connect")
	}
}

func TestAnnounce_SendsEmbeds(t *testing.T) {
	sess := &mockSession{}
	a := newConnected(t, sess)
	err := a.Announce(context.Background(), relay.Announcement{
		Text:  "2 new option(s) proposed in session s1",
		Cards: []relay.Card{{Title: "Franklin Barbecue"}, {Title: "Veracruz"}},
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.channelID != "chan-1" || got.data.Content != "2 new option(s) proposed in session s1" {
		t.Errorf("sent = %q %q", got.channelID, got.data.Content)
	}
	if len(got.data.Embeds) != 2 || got.data.Embeds[1].Title != "Veracruz" {
		t.Errorf("embeds = %+v", got.data.Embeds)
	}
}

func TestAnnounce_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{sendErrs: []error{rateLimitErr(), rateLimitErr()}}
	a := newConnected(t, sess)
	if err := a.Announce(context.Background(), relay.Announcement{Text: "hi"}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sess.sent))
	}
}

func TestAnnounce_NonRateLimitError(t *testing.T) {
	sess := &mockSession{sendErrs: []error{fmt.Errorf("missing access")}}
	a := newConnected(t, sess)
	err := a.Announce(context.Background(), relay.Announcement{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "missing access") {
		t.Errorf("err = %v", err)
	}
}

func TestAnnounce_ExhaustsRetries(t *testing.T) {
	var errs []error
	for i := 0; i <= maxRetries; i++ {
		errs = append(errs, rateLimitErr())
	}
	sess := &mockSession{sendErrs: errs}
	a := newConnected(t, sess)
	if err := a.Announce(context.Background(), relay.Announcement{Text: "hi"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if len(sess.sendErrs) != 0 {
		t.Errorf("%d errors left unconsumed", len(sess.sendErrs))
	}
}

func TestClose_Idempotent(t *testing.T) {
	sess := &mockSession{}
	a := newConnected(t, sess)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if sess.closeCalled != 1 {
		t.Errorf("session closed %d times, want 1", sess.closeCalled)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected error reconnecting a closed announcer")
	}
}

func TestBuildMessageSend_CapsEmbeds(t *testing.T) {
	var cards []relay.Card
	for i := 0; i < maxEmbeds+3; i++ {
		cards = append(cards, relay.Card{Title: fmt.Sprintf("opt %d", i)})
	}
	data := buildMessageSend(relay.Announcement{Text: "many", Cards: cards})
	if len(data.Embeds) != maxEmbeds {
		t.Errorf("embeds = %d, want %d", len(data.Embeds), maxEmbeds)
	}
}

func TestCardToEmbed(t *testing.T) {
	embed := cardToEmbed(relay.Card{
		Title:    "Franklin Barbecue",
		Body:     "the brisket is unreal",
		Color:    "#36a64f",
		ImageURL: "https://example.com/a.jpg",
		Fields:   []relay.Field{{Name: "Price", Value: "$$", Short: true}},
	})
	if embed.Title != "Franklin Barbecue" || embed.Description != "the brisket is unreal" {
		t.Errorf("embed = %+v", embed)
	}
	if embed.Color != 0x36a64f {
		t.Errorf("color = %#x", embed.Color)
	}
	if embed.Thumbnail == nil || embed.Thumbnail.URL != "https://example.com/a.jpg" {
		t.Errorf("thumbnail = %+v", embed.Thumbnail)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"FF9800", 0xff9800},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
