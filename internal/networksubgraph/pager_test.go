package networksubgraph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan Result) []Result {
	t.Helper()
	var out []Result
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestStreamPaginatesUntilEmptyPage(t *testing.T) {
	pages := [][]rawDeployment{
		{
			{ID: "0x" + rep("11"), StakedTokens: "100", DeniedAt: 0},
			{ID: "0x" + rep("22"), StakedTokens: "200", DeniedAt: 5},
		},
		{},
	}
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := requests
		requests++
		if idx >= len(pages) {
			idx = len(pages) - 1
		}
		resp := graphqlResponse{Data: &deploymentsData{SubgraphDeployments: &pages[idx]}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(srv.URL)
	results := drain(t, p.Stream(context.Background(), 100, 0))

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.False(t, results[0].Deployment.Deny)
	require.NoError(t, results[1].Err)
	require.True(t, results[1].Deployment.Deny)
	require.Equal(t, 2, requests)
}

func TestStreamGraphQLErrorsContinuePaging(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"errors": []string{"boom"},
			})
			return
		}
		empty := []rawDeployment{}
		json.NewEncoder(w).Encode(graphqlResponse{Data: &deploymentsData{SubgraphDeployments: &empty}})
	}))
	defer srv.Close()

	p := New(srv.URL)
	results := drain(t, p.Stream(context.Background(), 100, 0))

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Equal(t, 2, requests, "pagination must continue after a non-fatal graphql error")
}

func TestStreamMissingDataIsFatal(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	p := New(srv.URL)
	results := drain(t, p.Stream(context.Background(), 100, 0))

	require.Len(t, results, 1)
	var pe *PageError
	require.ErrorAs(t, results[0].Err, &pe)
	require.True(t, pe.Fatal)
	require.Equal(t, 1, requests, "pager must stop after a fatal decode error")
}

func TestThresholdConvertsToWei(t *testing.T) {
	var gotThreshold string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotThreshold = req.Variables["threshold"].(string)
		empty := []rawDeployment{}
		json.NewEncoder(w).Encode(graphqlResponse{Data: &deploymentsData{SubgraphDeployments: &empty}})
	}))
	defer srv.Close()

	p := New(srv.URL)
	drain(t, p.Stream(context.Background(), 100, time.Hour))

	require.Equal(t, "100000000000000000000", gotThreshold)
}

func rep(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}
