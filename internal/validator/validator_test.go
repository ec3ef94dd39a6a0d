package validator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/graphprotocol/availability-oracle/internal/cidutil"
	"github.com/graphprotocol/availability-oracle/internal/contentstore"
)

func testConfig() Config {
	return Config{
		SupportedNetworks:        map[string]bool{"mainnet": true},
		SupportedDataSourceKinds: map[string]bool{"ethereum/contract": true},
	}
}

// contentServer serves byte blobs keyed by their own CIDv0, mimicking the
// content store gateway's "/ipfs/<cid>" addressing.
type contentServer struct {
	blobs map[string][]byte
}

func newContentServer() *contentServer {
	return &contentServer{blobs: map[string][]byte{}}
}

// put registers content and returns its "/ipfs/..." manifest link.
func (s *contentServer) put(content []byte) string {
	digest := sha256.Sum256(content)
	c := cidutil.BytesToCIDv0(digest)
	s.blobs[c.String()] = content
	return "/ipfs/" + c.String()
}

// deploymentID registers a manifest and returns its 32-byte deployment id.
func (s *contentServer) deploymentID(manifest []byte) [32]byte {
	link := s.put(manifest)
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
		key := r.URL.Path[len("/ipfs/"):]
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

func manifestYAML(schemaLink, wasmLink, abiLink, network string) []byte {
	return []byte(fmt.Sprintf(`
schema:
  file:
    "/": %q
dataSources:
  - kind: ethereum/contract
    network: %s
    mapping:
      file:
        "/": %q
      abis:
        - file:
            "/": %q
`, schemaLink, network, wasmLink, abiLink))
}

func minimalWasm() []byte {
	return append([]byte{0x00, 0x61, 0x73, 0x6d}, 0x01, 0x00, 0x00, 0x00)
}

func TestCheckValidDeployment(t *testing.T) {
	srv := newContentServer()
	schemaLink := srv.put([]byte(validSchema))
	abiLink := srv.put(validABI)
	wasmLink := srv.put(minimalWasm())
	id := srv.deploymentID(manifestYAML(schemaLink, wasmLink, abiLink, "mainnet"))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	fetcher := contentstore.New(ts.URL, 4, time.Second, contentstore.Metrics{})

	verdict, err := Check(context.Background(), fetcher, id, testConfig())
	require.NoError(t, err)
	require.True(t, verdict.Valid)
}

func TestCheckUnsupportedNetwork(t *testing.T) {
	srv := newContentServer()
	schemaLink := srv.put([]byte(validSchema))
	abiLink := srv.put(validABI)
	wasmLink := srv.put(minimalWasm())
	id := srv.deploymentID(manifestYAML(schemaLink, wasmLink, abiLink, "gnosis"))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	fetcher := contentstore.New(ts.URL, 4, time.Second, contentstore.Metrics{})

	verdict, err := Check(context.Background(), fetcher, id, testConfig())
	require.NoError(t, err)
	require.False(t, verdict.Valid)
	require.Equal(t, UnsupportedNetwork, verdict.Reason)
}

func TestCheckMismatchingNetworks(t *testing.T) {
	srv := newContentServer()
	schemaLink := srv.put([]byte(validSchema))
	abiLink := srv.put(validABI)
	wasmLink := srv.put(minimalWasm())

	// The second data source's network is both different from the
	// established one and outside the supported set; the mismatch must
	// win over the membership check.
	id := srv.deploymentID([]byte(fmt.Sprintf(`
schema:
  file:
    "/": %q
dataSources:
  - kind: ethereum/contract
    network: mainnet
    mapping:
      file:
        "/": %q
      abis:
        - file:
            "/": %q
  - kind: ethereum/contract
    network: rinkeby
    mapping:
      file:
        "/": %q
      abis:
        - file:
            "/": %q
`, schemaLink, wasmLink, abiLink, wasmLink, abiLink)))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	fetcher := contentstore.New(ts.URL, 4, time.Second, contentstore.Metrics{})

	verdict, err := Check(context.Background(), fetcher, id, testConfig())
	require.NoError(t, err)
	require.False(t, verdict.Valid)
	require.Equal(t, ManifestParseError, verdict.Reason)
	require.Contains(t, verdict.Detail, "mismatching networks")
}

func TestCheckForbiddenImport(t *testing.T) {
	srv := newContentServer()
	schemaLink := srv.put([]byte(validSchema))
	abiLink := srv.put(validABI)

	wasm := append([]byte{}, minimalWasm()...)
	// import section: id=2, size, count=1, module="env", field="ipfs.cat", kind=func, typeidx=0
	var section []byte
	section = append(section, 0x01)                                         // count
	section = append(section, 0x03, 'e', 'n', 'v')                          // module "env"
	section = append(section, 0x08, 'i', 'p', 'f', 's', '.', 'c', 'a', 't') // field "ipfs.cat"
	section = append(section, 0x00, 0x00)                                   // kind func, type idx 0
	wasm = append(wasm, 0x02, byte(len(section)))
	wasm = append(wasm, section...)
	wasmLink := srv.put(wasm)

	id := srv.deploymentID(manifestYAML(schemaLink, wasmLink, abiLink, "mainnet"))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	fetcher := contentstore.New(ts.URL, 4, time.Second, contentstore.Metrics{})

	verdict, err := Check(context.Background(), fetcher, id, testConfig())
	require.NoError(t, err)
	require.False(t, verdict.Valid)
	require.Equal(t, ForbiddenApi, verdict.Reason)
	require.Equal(t, "ipfs.cat", verdict.Detail)
}

func TestCheckManifestUnavailable(t *testing.T) {
	srv := newContentServer()
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	fetcher := contentstore.New(ts.URL, 4, time.Second, contentstore.Metrics{})

	var missing [32]byte
	missing[0] = 0xff
	verdict, err := Check(context.Background(), fetcher, missing, testConfig())
	require.NoError(t, err)
	require.False(t, verdict.Valid)
	require.Equal(t, Unavailable, verdict.Reason)
}

func TestCheckUnsupportedDataSourceKind(t *testing.T) {
	srv := newContentServer()
	schemaLink := srv.put([]byte(validSchema))
	id := srv.deploymentID([]byte(fmt.Sprintf(`
schema:
  file:
    "/": %q
dataSources:
  - kind: near
    mapping: {}
`, schemaLink)))

	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	fetcher := contentstore.New(ts.URL, 4, time.Second, contentstore.Metrics{})

	verdict, err := Check(context.Background(), fetcher, id, testConfig())
	require.NoError(t, err)
	require.False(t, verdict.Valid)
	require.Equal(t, UnsupportedDataSourceKind, verdict.Reason)
}
