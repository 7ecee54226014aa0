package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/connections"
)

func settingsWithVerdictServer(url string) *config.Settings {
	s := config.NewSettings()
	s.ApplyRemote(&config.RemotePayload{
		DeviceID:         "school-42",
		VerdictServerURL: url,
		StatsURL:         url,
	})
	s.SetChromeID("chrome-abc")
	return s
}

func TestFetchVerdict(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/get/verdict", r.URL.Path)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verdict": 0, "ttl": 300, "redirect_uri": "blocked.example.com/page"}`))
	}))
	defer server.Close()

	client := NewClient(settingsWithVerdictServer(server.URL))
	v, err := client.FetchVerdict(context.Background(), VerdictRequest{
		RawURL:   "https://games.example.com/arcade?level=2",
		Identity: "student@school.example",
	})
	require.NoError(t, err)

	assert.Equal(t, "games.example.com", gotQuery["requested_website"])
	assert.Equal(t, "arcade?level=2", gotQuery["requested_path"])
	assert.Equal(t, "student@school.example", gotQuery["identity"])
	assert.Equal(t, "google", gotQuery["identity_type"])
	assert.Equal(t, "chrome-abc", gotQuery["chrome_id"])
	assert.Equal(t, "school-42", gotQuery["deviceid"])
	_, hasSearch := gotQuery["search_query"]
	assert.False(t, hasSearch, "empty search query is omitted")

	assert.True(t, v.Denied())
	assert.Equal(t, int64(300), v.TTL)
	assert.Equal(t, "blocked.example.com/page", v.RedirectURI)
}

func TestFetchVerdictCarriesSearchQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cat videos", r.URL.Query().Get("search_query"))
		w.Write([]byte(`{"verdict": 1, "ttl": 60}`))
	}))
	defer server.Close()

	client := NewClient(settingsWithVerdictServer(server.URL))
	v, err := client.FetchVerdict(context.Background(), VerdictRequest{
		RawURL:      "https://www.youtube.com/search",
		Identity:    "student@school.example",
		SearchQuery: "cat videos",
	})
	require.NoError(t, err)
	assert.True(t, v.Allowed())
}

func TestFetchVerdictErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(settingsWithVerdictServer(server.URL))
	_, err := client.FetchVerdict(context.Background(), VerdictRequest{RawURL: "https://x.com/"})
	assert.Error(t, err)

	unconfigured := NewClient(config.NewSettings())
	_, err = unconfigured.FetchVerdict(context.Background(), VerdictRequest{RawURL: "https://x.com/"})
	assert.Error(t, err)
}

func TestCheckClassroomVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/check/classroom/verdict", r.URL.Path)
		w.Write([]byte(`{"verdict": 0, "ttl": 5}`))
	}))
	defer server.Close()

	client := NewClient(settingsWithVerdictServer(server.URL))
	v, err := client.CheckClassroomVerdict(context.Background(), VerdictRequest{
		RawURL:   "https://games.example.com/",
		Identity: "student@school.example",
	})
	require.NoError(t, err)
	assert.True(t, v.Denied())
}

func TestConfigClientFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/get/configuration/chrome-extension", r.URL.Path)
		assert.Equal(t, "student@school.example", r.URL.Query().Get("user"))
		assert.Equal(t, "school-42", r.URL.Query().Get("deviceid"))
		assert.Equal(t, "chrome", r.URL.Query().Get("agt"))
		assert.Equal(t, "2.0.11", r.URL.Query().Get("ver"))
		w.Write([]byte(`{
			"device_id": "school-42",
			"verdict_server_url": "https://verdict.example.com",
			"configurations": []
		}`))
	}))
	defer server.Close()

	client := NewConfigClient(server.URL, "2.0.11")
	payload, err := client.Fetch(context.Background(), "student@school.example", "school-42")
	require.NoError(t, err)
	assert.Equal(t, "school-42", payload.DeviceID)
}

func TestConfigClientRejectsInvalidPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"configurations": []}`))
	}))
	defer server.Close()

	client := NewConfigClient(server.URL, "2.0.11")
	_, err := client.Fetch(context.Background(), "u", "d")
	assert.Error(t, err, "payload without device_id must be rejected")
}

func TestStatsClientUpload(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Items []connections.Record `json:"items"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
	}))
	defer server.Close()

	client := NewStatsClient(settingsWithVerdictServer(server.URL))
	err := client.Upload(context.Background(), []connections.Record{
		{ID: "a", RequestID: "41", HTTPHost: "example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/school-42/-/extension", gotPath)
	require.Len(t, gotBody.Items, 1)
	assert.Equal(t, "example.com", gotBody.Items[0].HTTPHost)
}

func TestStatsClientUploadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewStatsClient(settingsWithVerdictServer(server.URL))
	err := client.Upload(context.Background(), nil)
	assert.Error(t, err)
}
