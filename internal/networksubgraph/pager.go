// Package networksubgraph implements the Indexed Source Pager: a
// streaming, paginated enumeration of candidate deployments from the
// network subgraph's GraphQL endpoint, filtered by signal threshold and
// creation-age grace period.
package networksubgraph

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"

	"github.com/graphprotocol/availability-oracle/internal/cidutil"
)

const pageSize = 1000

// weiFactor converts a GRT-denominated threshold to its wei-scaled form
// (1 GRT = 10^18 wei), matching the network subgraph's token units.
var weiFactor = uint256.NewInt(1_000_000_000_000_000_000)

// Deployment is one record yielded by the pager: the 32-byte digest
// recovering a CIDv0, its signal amount in wei, and the deny flag
// currently recorded on chain.
type Deployment struct {
	ID           [32]byte
	SignalAmount *uint256.Int
	Deny         bool
}

// IPFSHash renders the deployment id as a base58btc CIDv0 string, used in
// log lines.
func (d Deployment) IPFSHash() string {
	return cidutil.Base58(cidutil.BytesToCIDv0(d.ID))
}

// PageError is a per-page failure yielded on the stream. Fatal indicates
// the pager could not make sense of the response at all (no errors
// payload, but data missing or malformed) and has stopped paging; a
// non-fatal PageError carries a GraphQL-reported error and pagination
// continues with the next page.
type PageError struct {
	Fatal bool
	Err   error
}

func (e *PageError) Error() string { return e.Err.Error() }
func (e *PageError) Unwrap() error { return e.Err }

// Result is one item on the pager's stream: either a decoded Deployment
// or a PageError.
type Result struct {
	Deployment Deployment
	Err        error
}

// Pager streams deployments from a single network subgraph endpoint.
type Pager struct {
	endpoint string
	client   *http.Client
}

// New constructs a Pager against endpoint, using a client timeout
// consistent with the other GraphQL clients in the oracle (30-60s).
func New(endpoint string) *Pager {
	return &Pager{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

const deploymentsQuery = `
query($threshold: BigInt!, $maxCreation: Int!, $skip: Int!) {
  subgraphDeployments(first: 1000, skip: $skip, where: { signalledTokens_gt: $threshold, createdAt_lt: $maxCreation }) {
    id
    stakedTokens
    deniedAt
  }
}
`

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlResponse struct {
	Data   *deploymentsData  `json:"data"`
	Errors []json.RawMessage `json:"errors"`
}

type deploymentsData struct {
	SubgraphDeployments *[]rawDeployment `json:"subgraphDeployments"`
}

type rawDeployment struct {
	ID           string `json:"id"`
	StakedTokens string `json:"stakedTokens"`
	DeniedAt     int64  `json:"deniedAt"`
}

// Stream streams, in the source's stable pagination order, every
// deployment whose signal exceeds thresholdGRT (denominated in GRT, this
// function converts to wei) and whose creation time precedes
// now-grace. The returned channel is closed once pagination completes or
// a fatal error is hit; ctx cancellation stops pagination early.
func (p *Pager) Stream(ctx context.Context, thresholdGRT uint64, grace time.Duration) <-chan Result {
	out := make(chan Result)

	threshold := new(uint256.Int).Mul(uint256.NewInt(thresholdGRT), weiFactor)
	maxCreation := time.Now().Add(-grace).Unix()

	go func() {
		defer close(out)

		for skip := 0; ; skip += pageSize {
			page, pageErr := p.fetchPage(ctx, threshold, maxCreation, skip)
			if pageErr != nil {
				select {
				case out <- Result{Err: pageErr}:
				case <-ctx.Done():
					return
				}
				if pageErr.Fatal {
					return
				}
				continue
			}
			if len(page) == 0 {
				return
			}
			for _, d := range page {
				select {
				case out <- Result{Deployment: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (p *Pager) fetchPage(ctx context.Context, threshold *uint256.Int, maxCreation int64, skip int) ([]Deployment, *PageError) {
	reqBody := graphqlRequest{
		Query: deploymentsQuery,
		Variables: map[string]interface{}{
			"threshold":   threshold.Dec(),
			"maxCreation": maxCreation,
			"skip":        skip,
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &PageError{Fatal: true, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &PageError{Fatal: true, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &PageError{Fatal: true, Err: fmt.Errorf("query deployments: %w", err)}
	}
	defer resp.Body.Close()

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &PageError{Fatal: true, Err: fmt.Errorf("decode response: %w", err)}
	}

	if len(parsed.Errors) > 0 {
		return nil, &PageError{Fatal: false, Err: fmt.Errorf("graphql errors querying deployments: %v", parsed.Errors)}
	}
	if parsed.Data == nil || parsed.Data.SubgraphDeployments == nil {
		return nil, &PageError{Fatal: true, Err: fmt.Errorf("response missing subgraphDeployments")}
	}

	raw := *parsed.Data.SubgraphDeployments
	page := make([]Deployment, 0, len(raw))
	for _, r := range raw {
		id, err := decodeID(r.ID)
		if err != nil {
			return nil, &PageError{Fatal: true, Err: fmt.Errorf("decode deployment id %q: %w", r.ID, err)}
		}
		signal, err := decodeSignal(r.StakedTokens)
		if err != nil {
			return nil, &PageError{Fatal: true, Err: fmt.Errorf("decode staked tokens %q: %w", r.StakedTokens, err)}
		}
		page = append(page, Deployment{
			ID:           id,
			SignalAmount: signal,
			Deny:         r.DeniedAt > 0,
		})
	}
	return page, nil
}

func decodeID(s string) ([32]byte, error) {
	var out [32]byte
	trimmed := s
	if len(trimmed) >= 2 && trimmed[:2] == "0x" {
		trimmed = trimmed[2:]
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeSignal(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, err
	}
	return v, nil
}
