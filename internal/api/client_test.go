package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scamwatch/internal/api"
	"scamwatch/internal/mockbackend"
)

func newBackend(t *testing.T, opts ...mockbackend.Option) (*mockbackend.Server, *api.Client) {
	t.Helper()
	script, err := mockbackend.DefaultScript()
	require.NoError(t, err)
	srv := mockbackend.NewServer(script, opts...)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	client, err := api.NewClient(ts.URL+"/", api.WithAPIKey("secret"))
	require.NoError(t, err)
	return srv, client
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	_, err := api.NewClient("")
	require.Error(t, err)
	_, err = api.NewClient("ftp://example.com")
	require.Error(t, err)

	c, err := api.NewClient("http://localhost:8000/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", c.BaseURL())
}

func TestClientRoundTrip(t *testing.T) {
	_, client := newBackend(t, mockbackend.WithAPIKey("secret"))
	ctx := context.Background()

	engaged, err := client.Engage(ctx, "You won a lottery prize! pay fee to win@ybl", "student")
	require.NoError(t, err)
	assert.Equal(t, "student", engaged.PersonaUsed)
	assert.Equal(t, "LOTTERY_SCAM", engaged.ScamType)
	assert.Equal(t, []string{"win@ybl"}, engaged.ExtractedIntelligence.UPIIDs)

	cont, err := client.Continue(ctx, engaged.SessionID, "hurry up")
	require.NoError(t, err)
	assert.Equal(t, engaged.SessionID, cont.SessionID)
	assert.Equal(t, 2, cont.TurnNumber)

	entries, err := client.FetchTranscript(ctx, engaged.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.False(t, entries[0].CreatedAt.IsZero())

	detail, err := client.FetchSessionDetail(ctx, engaged.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.TurnCount)
	assert.Equal(t, "active", detail.Status)
}

func TestClientStatusError(t *testing.T) {
	srv, client := newBackend(t)
	srv.FailNext(1)

	_, err := client.Engage(context.Background(), "hello", "")
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "engagement backend unavailable", se.Body)

	_, err = client.FetchTranscript(context.Background(), "nope")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestClientHonoursContext(t *testing.T) {
	_, client := newBackend(t, mockbackend.WithLatency(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Engage(ctx, "hello", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusErrorBodyKeepsWholeRunes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("é", 300)))
	}))
	t.Cleanup(ts.Close)
	client, err := api.NewClient(ts.URL)
	require.NoError(t, err)

	_, err = client.FetchSessionDetail(context.Background(), "sess_1")
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.True(t, utf8.ValidString(se.Body))
	assert.Equal(t, 200, utf8.RuneCountInString(se.Body))
}

func TestClientRejectsEmptySessionID(t *testing.T) {
	_, client := newBackend(t)

	_, err := client.Continue(context.Background(), " ", "hello")
	require.Error(t, err)
	var se *api.StatusError
	assert.False(t, errors.As(err, &se), "no request should reach the backend")

	_, err = client.FetchTranscript(context.Background(), "")
	require.Error(t, err)
}
