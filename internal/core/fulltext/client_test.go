package fulltext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchUserParsesResponse(t *testing.T) {
	var gotQuery map[string][]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/select", r.URL.Path)
		gotQuery = r.URL.Query()

		resp := SearchResponse{
			Response: ResponseBody{
				NumFound: 1,
				Docs: []Document{
					{ID: "obs-1", UserID: "user-1", Highlight: "raft consensus", Score: 2.5},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, MaxResults: 20})

	resp, err := c.SearchUser(context.Background(), "user-1", "Raft Consensus", 5)
	require.NoError(t, err)
	require.Len(t, resp.Response.Docs, 1)
	assert.Equal(t, "obs-1", resp.Response.Docs[0].ID)

	assert.Equal(t, []string{"raft consensus"}, gotQuery["q"])
	assert.Equal(t, []string{`user_id:"user-1"`}, gotQuery["fq"])
	assert.Equal(t, []string{"edismax"}, gotQuery["defType"])
	assert.Equal(t, []string{"5"}, gotQuery["rows"])
}

func TestIndexAndDelete(t *testing.T) {
	var bodies []map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/update", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("commit"))

		var payload interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		switch v := payload.(type) {
		case []interface{}:
			bodies = append(bodies, map[string]interface{}{"docs": v})
		case map[string]interface{}:
			bodies = append(bodies, v)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})

	err := c.Index(context.Background(), Document{ID: "obs-1", UserID: "user-1"})
	require.NoError(t, err)

	err = c.Delete(context.Background(), "obs-1")
	require.NoError(t, err)

	err = c.DeleteByUser(context.Background(), "user-1")
	require.NoError(t, err)

	require.Len(t, bodies, 3)
	assert.Contains(t, bodies[1], "delete")
	assert.Contains(t, bodies[2], "delete")
}

func TestIndexConflictTreatedAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})

	err := c.Index(context.Background(), Document{ID: "obs-1"})
	assert.NoError(t, err)
}

func TestServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "shard down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})

	_, err := c.Search(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrServerError)
}
