package signals

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soryn-dev/trailbot/types"
)

// recordingSink captures forwarded events per callback.
type recordingSink struct {
	news     []types.Setup
	updates  []types.Setup
	removals []types.Setup
}

func (s *recordingSink) OnNewSetup(setup types.Setup)     { s.news = append(s.news, setup) }
func (s *recordingSink) OnSetupUpdated(setup types.Setup) { s.updates = append(s.updates, setup) }
func (s *recordingSink) OnSetupRemoved(setup types.Setup) { s.removals = append(s.removals, setup) }

func (s *recordingSink) total() int { return len(s.news) + len(s.updates) + len(s.removals) }

func postSetup(t *testing.T, body string) (*recordingSink, *httptest.ResponseRecorder) {
	t.Helper()
	sink := &recordingSink{}
	srv := NewServer(":0", sink)

	req := httptest.NewRequest(http.MethodPost, "/setups", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)
	return sink, rec
}

func TestWebhookValidPayloadReachesSink(t *testing.T) {
	sink, rec := postSetup(t, `{
		"event": "new",
		"symbol": "BTCUSDT",
		"direction": "long",
		"timeframe": "1h",
		"state": "triggered",
		"currentPrice": "64123.5",
		"currentRsi": "28.4"
	}`)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sink.news, 1)
	got := sink.news[0]
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, types.Long, got.Direction)
	assert.Equal(t, types.SetupTriggered, got.State)
	assert.True(t, got.CurrentPrice.Equal(decimal.RequireFromString("64123.5")))
	assert.True(t, got.CurrentRSI.Equal(decimal.RequireFromString("28.4")))
}

func TestWebhookRoutesEventsToCallbacks(t *testing.T) {
	for _, tc := range []struct {
		event string
		count func(*recordingSink) int
	}{
		{"new", func(s *recordingSink) int { return len(s.news) }},
		{"updated", func(s *recordingSink) int { return len(s.updates) }},
		{"removed", func(s *recordingSink) int { return len(s.removals) }},
	} {
		sink, rec := postSetup(t, `{"event":"`+tc.event+`","symbol":"ETHUSDT","direction":"short","timeframe":"15m","state":"triggered","currentPrice":"3000"}`)
		assert.Equal(t, http.StatusAccepted, rec.Code, tc.event)
		assert.Equal(t, 1, tc.count(sink), tc.event)
		assert.Equal(t, 1, sink.total(), tc.event)
	}
}

func TestWebhookRejectsMissingSymbol(t *testing.T) {
	sink, rec := postSetup(t, `{"event":"new","direction":"long","timeframe":"1h","currentPrice":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sink.total())
}

func TestWebhookRejectsMissingTimeframe(t *testing.T) {
	sink, rec := postSetup(t, `{"event":"new","symbol":"BTCUSDT","direction":"long","currentPrice":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sink.total())
}

func TestWebhookRejectsBadDirection(t *testing.T) {
	sink, rec := postSetup(t, `{"event":"new","symbol":"BTCUSDT","direction":"sideways","timeframe":"1h","currentPrice":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sink.total())
}

func TestWebhookRejectsUnknownEvent(t *testing.T) {
	sink, rec := postSetup(t, `{"event":"resolved","symbol":"BTCUSDT","direction":"long","timeframe":"1h","currentPrice":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sink.total())
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	sink, rec := postSetup(t, `{"event":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, sink.total())
}

func TestWebhookRejectsNonPost(t *testing.T) {
	sink := &recordingSink{}
	srv := NewServer(":0", sink)

	req := httptest.NewRequest(http.MethodGet, "/setups", nil)
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, sink.total())
}
