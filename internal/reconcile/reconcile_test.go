package reconcile_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphprotocol/availability-oracle/internal/cidutil"
	"github.com/graphprotocol/availability-oracle/internal/contentstore"
	"github.com/graphprotocol/availability-oracle/internal/networksubgraph"
	"github.com/graphprotocol/availability-oracle/internal/reconcile"
	"github.com/graphprotocol/availability-oracle/internal/validator"
)

// contentServer serves byte blobs keyed by their own CIDv0, optionally
// delaying specific keys to exercise client-timeout classification.
type contentServer struct {
	blobs  map[string][]byte
	delays map[string]time.Duration
}

func newContentServer() *contentServer {
	return &contentServer{blobs: map[string][]byte{}, delays: map[string]time.Duration{}}
}

func (s *contentServer) put(content []byte) string {
	digest := sha256.Sum256(content)
	c := cidutil.BytesToCIDv0(digest)
	s.blobs[c.String()] = content
	return "/ipfs/" + c.String()
}

func (s *contentServer) putDelayed(content []byte, delay time.Duration) string {
	link := s.put(content)
	s.delays[strings.TrimPrefix(link, "/ipfs/")] = delay
	return link
}

func (s *contentServer) idFromLink(link string) [32]byte {
	c, err := cidutil.ParseLink(link)
	if err != nil {
		panic(err)
	}
	id, err := cidutil.CIDv0ToBytes(c)
	if err != nil {
		panic(err)
	}
	return id
}

func (s *contentServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/ipfs/")
		if d, ok := s.delays[key]; ok {
			time.Sleep(d)
		}
		b, ok := s.blobs[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(b)
	}
}

const validSchema = `type Thing @entity { id: ID! }`

var validABI = []byte(`[{"type":"function","name":"foo","inputs":[],"outputs":[]}]`)

func manifestYAML(schemaLink, abiLink, network string) []byte {
	return []byte(fmt.Sprintf(`
schema:
  file:
    "/": %q
dataSources:
  - kind: ethereum/contract
    network: %s
    mapping:
      abis:
        - file:
            "/": %q
`, schemaLink, network, abiLink))
}

// rawRecord is the wire shape the fake network subgraph returns.
type rawRecord struct {
	ID           string `json:"id"`
	StakedTokens string `json:"stakedTokens"`
	DeniedAt     int64  `json:"deniedAt"`
}

func subgraphServer(t *testing.T, records []rawRecord) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Variables map[string]interface{} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		skip, _ := req.Variables["skip"].(float64)

		page := []rawRecord{}
		if skip == 0 {
			page = records
		}
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"subgraphDeployments": page,
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// TestReconcileEndToEndScenario reproduces the ten-deployment table: ten
// candidate deployments with varying prior deny flags and content-store
// outcomes must yield exactly six flips, in pagination order.
func TestReconcileEndToEndScenario(t *testing.T) {
	content := newContentServer()

	schemaLink := content.put([]byte(validSchema))
	abiLink := content.put(validABI)
	badABILink := content.put([]byte(`not json`))
	unavailableSchemaLink := content.putDelayed([]byte(validSchema+"\n# unavailable"), 30*time.Millisecond)

	validManifest := manifestYAML(schemaLink, abiLink, "mainnet")
	badABIManifest := manifestYAML(schemaLink, badABILink, "mainnet")
	unsupportedNetworkManifest := manifestYAML(schemaLink, abiLink, "gnosis")
	unavailableLinkManifest := manifestYAML(unavailableSchemaLink, abiLink, "mainnet")
	substreamsManifest := []byte(fmt.Sprintf(`
schema:
  file:
    "/": %q
dataSources:
  - kind: substreams
    mapping: {}
`, schemaLink))
	fileDataSourceManifest := []byte(fmt.Sprintf(`
schema:
  file:
    "/": %q
dataSources:
  - kind: file/ipfs
    mapping: {}
`, schemaLink))

	id0 := content.idFromLink(content.putDelayed(append(append([]byte{}, validManifest...), "# 0"...), 30*time.Millisecond))
	id1 := content.idFromLink(content.put(append(append([]byte{}, validManifest...), "# 1"...)))
	id2 := content.idFromLink(content.putDelayed(append(append([]byte{}, validManifest...), "# 2"...), 30*time.Millisecond))
	id3 := content.idFromLink(content.put(unavailableLinkManifest))
	id4 := content.idFromLink(content.put(append(append([]byte{}, validManifest...), "# 4"...)))
	id5 := content.idFromLink(content.put(badABIManifest))
	id6 := content.idFromLink(content.put([]byte("@")))
	id7 := content.idFromLink(content.put(unsupportedNetworkManifest))
	id8 := content.idFromLink(content.put(substreamsManifest))
	id9 := content.idFromLink(content.put(fileDataSourceManifest))

	records := []rawRecord{
		{ID: hexID(id0), StakedTokens: "1000000000000000000000", DeniedAt: 1},
		{ID: hexID(id1), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id2), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id3), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id4), StakedTokens: "1000000000000000000000", DeniedAt: 1},
		{ID: hexID(id5), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id6), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id7), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id8), StakedTokens: "1000000000000000000000", DeniedAt: 0},
		{ID: hexID(id9), StakedTokens: "1000000000000000000000", DeniedAt: 0},
	}

	subgraph := subgraphServer(t, records)
	defer subgraph.Close()
	contentHTTP := httptest.NewServer(content.handler())
	defer contentHTTP.Close()

	fetcher := contentstore.New(contentHTTP.URL, 8, 5*time.Millisecond, contentstore.Metrics{})
	pager := networksubgraph.New(subgraph.URL)
	cfg := validator.Config{
		SupportedNetworks:        map[string]bool{"mainnet": true},
		SupportedDataSourceKinds: map[string]bool{"ethereum/contract": true, "substreams": true, "file/ipfs": true},
	}
	r := reconcile.New(pager, fetcher, cfg, 0, nil, reconcile.Metrics{})

	flips, err := r.Run(context.Background(), 0)
	require.NoError(t, err)

	want := []reconcile.Flip{
		{DeploymentID: id2, Deny: true},
		{DeploymentID: id3, Deny: true},
		{DeploymentID: id4, Deny: false},
		{DeploymentID: id5, Deny: true},
		{DeploymentID: id6, Deny: true},
		{DeploymentID: id7, Deny: true},
	}
	require.Equal(t, want, flips)
}
