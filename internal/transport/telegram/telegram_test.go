package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "github.com/g-k/telemetry-analysis-service/internal/transport"
	logx "github.com/g-k/telemetry-analysis-service/pkg/logx"
)

func TestSplitTextShortIsUnchanged(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"run timed out"}, splitText("run timed out", TextLimit, ""))
}

func TestSplitTextRespectsLimit(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("ü", 99) + "\n"
	text := strings.Repeat(line, 100) // 10000 runes

	chunks := splitText(text, TextLimit, "")
	require.Len(t, chunks, 3)
	total := 0
	for _, c := range chunks {
		n := utf8.RuneCountInString(c)
		assert.LessOrEqual(t, n, TextLimit)
		assert.False(t, strings.HasSuffix(c, "\n"))
		assert.True(t, strings.HasSuffix(c, "ü"), "cut on a line boundary")
		total += n
	}
	// newlines at the cuts are dropped
	assert.Equal(t, 10000-3, total)
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 8) + "<b>bold</b>"
	chunks := splitText(text, 10, "HTML")
	require.NotEmpty(t, chunks)
	assert.Equal(t, strings.Repeat("a", 8), chunks[0])
	assert.True(t, strings.HasPrefix(chunks[1], "<b>"))
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: " "}, logx.Nop())
	assert.Error(t, err)
}

type sendCall struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func TestSendTextSplitsIntoSeveralMessages(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []sendCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		var c sendCall
		_ = json.NewDecoder(r.Body).Decode(&c)
		mu.Lock()
		calls = append(calls, c)
		id := len(calls)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": id, "chat": map[string]any{"id": 42, "type": "private"}, "text": c.Text},
		})
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{Token: "123:abc", APIURL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)

	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42}, strings.Repeat("x", TextLimit+10), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ref.MessageID)
	assert.Equal(t, int64(42), ref.ChatID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, "42", calls[0].ChatID)
	assert.Len(t, calls[1].Text, 10)
}

func TestSendTextRequiresChat(t *testing.T) {
	t.Parallel()
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	require.NoError(t, err)
	_, err = a.SendText(context.Background(), kit.ChatTarget{}, "hi", nil)
	assert.Error(t, err)
}
