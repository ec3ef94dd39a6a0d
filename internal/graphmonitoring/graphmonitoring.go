// Package graphmonitoring fetches the oracle's last-published
// configuration snapshot from the graph-monitoring subgraph and diffs it
// against a freshly constructed snapshot, field by field.
package graphmonitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// OracleConfig is the oracle's operating configuration as published to
// and read back from the graph-monitoring subgraph. Every field is a
// string; the subgraph stores configuration as text regardless of the
// underlying type.
type OracleConfig struct {
	Version                              string
	IPFSConcurrency                      string
	IPFSTimeout                          string
	MinSignal                            string
	Period                               string
	GracePeriod                          string
	SupportedDataSourceKinds             string
	NetworkSubgraphDeploymentID          string
	EpochBlockOracleSubgraphDeploymentID string
	SubgraphAvailabilityManagerContract  string
	OracleIndex                          string
}

// field pairs each OracleConfig field with its snake_case diff
// identifier. The mapping is listed explicitly, as name-based matching
// would silently drop a renamed field.
type field struct {
	name string
	get  func(*OracleConfig) string
}

var fields = []field{
	{"version", func(c *OracleConfig) string { return c.Version }},
	{"ipfs_concurrency", func(c *OracleConfig) string { return c.IPFSConcurrency }},
	{"ipfs_timeout", func(c *OracleConfig) string { return c.IPFSTimeout }},
	{"min_signal", func(c *OracleConfig) string { return c.MinSignal }},
	{"period", func(c *OracleConfig) string { return c.Period }},
	{"grace_period", func(c *OracleConfig) string { return c.GracePeriod }},
	{"supported_data_source_kinds", func(c *OracleConfig) string { return c.SupportedDataSourceKinds }},
	{"network_subgraph_deployment_id", func(c *OracleConfig) string { return c.NetworkSubgraphDeploymentID }},
	{"epoch_block_oracle_subgraph_deployment_id", func(c *OracleConfig) string { return c.EpochBlockOracleSubgraphDeploymentID }},
	{"subgraph_availability_manager_contract", func(c *OracleConfig) string { return c.SubgraphAvailabilityManagerContract }},
	{"oracle_index", func(c *OracleConfig) string { return c.OracleIndex }},
}

// Diff returns the names of every field that differs between a and b.
// diff(a, a) is always empty, and diff(a, b) contains the same names as
// diff(b, a).
func Diff(a, b OracleConfig) []string {
	var changed []string
	for _, f := range fields {
		if f.get(&a) != f.get(&b) {
			changed = append(changed, f.name)
		}
	}
	return changed
}

// Client fetches the active oracle configuration by index from the
// graph-monitoring subgraph.
type Client struct {
	endpoint string
	client   *http.Client
}

// New constructs a Client against endpoint.
func New(endpoint string) *Client {
	return &Client{endpoint: endpoint, client: &http.Client{Timeout: 30 * time.Second}}
}

const oracleConfigQuery = `
query($oracleIndex: String!) {
  globalState(id: "0") {
    activeOracles(where: { index: $oracleIndex }) {
      latestConfig {
        version
        ipfsConcurrency
        ipfsTimeout
        minSignal
        period
        gracePeriod
        supportedDataSourceKinds
        networkSubgraphDeploymentId
        epochBlockOracleSubgraphDeploymentId
        subgraphAvailabilityManagerContract
        oracleIndex
      }
    }
  }
}
`

type graphqlRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphqlResponse struct {
	Data   *responseData     `json:"data"`
	Errors []json.RawMessage `json:"errors"`
}

type responseData struct {
	GlobalState *globalState `json:"globalState"`
}

type globalState struct {
	ActiveOracles []oracle `json:"activeOracles"`
}

type oracle struct {
	LatestConfig rawOracleConfig `json:"latestConfig"`
}

type rawOracleConfig struct {
	Version                              string `json:"version"`
	IPFSConcurrency                      string `json:"ipfsConcurrency"`
	IPFSTimeout                          string `json:"ipfsTimeout"`
	MinSignal                            string `json:"minSignal"`
	Period                               string `json:"period"`
	GracePeriod                          string `json:"gracePeriod"`
	SupportedDataSourceKinds             string `json:"supportedDataSourceKinds"`
	NetworkSubgraphDeploymentID          string `json:"networkSubgraphDeploymentId"`
	EpochBlockOracleSubgraphDeploymentID string `json:"epochBlockOracleSubgraphDeploymentId"`
	SubgraphAvailabilityManagerContract  string `json:"subgraphAvailabilityManagerContract"`
	OracleIndex                          string `json:"oracleIndex"`
}

func (r rawOracleConfig) toConfig() OracleConfig {
	return OracleConfig{
		Version:                              r.Version,
		IPFSConcurrency:                      r.IPFSConcurrency,
		IPFSTimeout:                          r.IPFSTimeout,
		MinSignal:                            r.MinSignal,
		Period:                               r.Period,
		GracePeriod:                          r.GracePeriod,
		SupportedDataSourceKinds:             r.SupportedDataSourceKinds,
		NetworkSubgraphDeploymentID:          r.NetworkSubgraphDeploymentID,
		EpochBlockOracleSubgraphDeploymentID: r.EpochBlockOracleSubgraphDeploymentID,
		SubgraphAvailabilityManagerContract:  r.SubgraphAvailabilityManagerContract,
		OracleIndex:                          r.OracleIndex,
	}
}

// FetchOracleConfig returns the published configuration for oracleIndex,
// or nil if no active oracle with that index exists yet (first run).
func (c *Client) FetchOracleConfig(ctx context.Context, oracleIndex uint64) (*OracleConfig, error) {
	reqBody, err := json.Marshal(graphqlRequest{
		Query:     oracleConfigQuery,
		Variables: map[string]string{"oracleIndex": strconv.FormatUint(oracleIndex, 10)},
	})
	if err != nil {
		return nil, fmt.Errorf("graphmonitoring: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("graphmonitoring: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphmonitoring: query oracle config: %w", err)
	}
	defer resp.Body.Close()

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("graphmonitoring: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("graphmonitoring: graphql errors: %v", parsed.Errors)
	}
	if parsed.Data == nil || parsed.Data.GlobalState == nil || len(parsed.Data.GlobalState.ActiveOracles) == 0 {
		return nil, nil
	}

	cfg := parsed.Data.GlobalState.ActiveOracles[0].LatestConfig.toConfig()
	return &cfg, nil
}
