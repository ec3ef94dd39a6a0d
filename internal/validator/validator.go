// Package validator implements the Deployment Validator: given a
// deployment's content id, it fetches and checks the manifest, schema,
// ABIs, and WASM mappings it references, producing a Valid or
// Invalid(Reason) verdict. A non-nil error return instead means a
// systemic failure occurred (not a content problem) and the caller
// should log it and skip the deployment for this run, not record a
// verdict.
package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/graphprotocol/availability-oracle/internal/cidutil"
	"github.com/graphprotocol/availability-oracle/internal/contentstore"
	"github.com/graphprotocol/availability-oracle/internal/manifest"
)

// forbiddenImportPrefixes are the host-function namespaces a mapping must
// never import directly; the runtime provides them itself.
var forbiddenImportPrefixes = []string{"ipfs", "ens"}

// Reason identifies why a deployment was found invalid.
type Reason int

const (
	BadCid Reason = iota
	Unavailable
	ManifestParseError
	SchemaParseError
	WasmParseError
	AbiParseError
	ForbiddenApi
	UnsupportedNetwork
	UnsupportedDataSourceKind
)

func (r Reason) String() string {
	switch r {
	case BadCid:
		return "bad_cid"
	case Unavailable:
		return "unavailable"
	case ManifestParseError:
		return "manifest_parse_error"
	case SchemaParseError:
		return "schema_parse_error"
	case WasmParseError:
		return "wasm_parse_error"
	case AbiParseError:
		return "abi_parse_error"
	case ForbiddenApi:
		return "forbidden_api"
	case UnsupportedNetwork:
		return "unsupported_network"
	case UnsupportedDataSourceKind:
		return "unsupported_data_source_kind"
	default:
		return "unknown"
	}
}

// Verdict is the Deployment Validator's output for one deployment.
type Verdict struct {
	Valid  bool
	Reason Reason
	Detail string
}

func invalid(reason Reason, detail string) Verdict {
	return Verdict{Valid: false, Reason: reason, Detail: detail}
}

var valid = Verdict{Valid: true}

// Config names the set of networks and data source kinds a validation
// run accepts; anything else makes a deployment Invalid.
type Config struct {
	SupportedNetworks        map[string]bool
	SupportedDataSourceKinds map[string]bool
}

// Check fetches and validates everything a deployment's manifest
// references, in the order the manifest would be consumed: the
// manifest itself, its schema, then each data source's kind, network,
// ABIs, and WASM mapping. It stops at the first problem found.
func Check(ctx context.Context, fetcher *contentstore.Fetcher, deploymentID [32]byte, cfg Config) (Verdict, error) {
	manifestCID := cidutil.BytesToCIDv0(deploymentID)

	manifestBytes, verdict, err := fetchContent(ctx, fetcher, manifestCID)
	if err != nil || verdict != nil {
		return derefOr(verdict), err
	}

	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return invalid(ManifestParseError, err.Error()), nil
	}

	schemaCID, err := cidutil.ParseLink(m.Schema.File.Link)
	if err != nil {
		return invalid(BadCid, m.Schema.File.Link), nil
	}
	schemaBytes, verdict, err := fetchContent(ctx, fetcher, schemaCID)
	if err != nil || verdict != nil {
		return derefOr(verdict), err
	}
	if _, err := manifest.ParseSchema(string(schemaBytes)); err != nil {
		return invalid(SchemaParseError, err.Error()), nil
	}

	var network string
	haveNetwork := false

	for _, ds := range m.AllDataSources() {
		if !cfg.SupportedDataSourceKinds[ds.Kind] {
			return invalid(UnsupportedDataSourceKind, ds.Kind), nil
		}

		// The first network-bearing data source establishes the manifest's
		// network and must be in the supported set; every later one is
		// checked for equality against it only.
		if ds.Network != nil {
			if !haveNetwork {
				if !cfg.SupportedNetworks[*ds.Network] {
					return invalid(UnsupportedNetwork, *ds.Network), nil
				}
				network = *ds.Network
				haveNetwork = true
			} else if network != *ds.Network {
				return invalid(ManifestParseError, "mismatching networks in manifest"), nil
			}
		}

		for _, abi := range ds.Mapping.Abis {
			abiCID, err := cidutil.ParseLink(abi.File.Link)
			if err != nil {
				return invalid(BadCid, abi.File.Link), nil
			}
			abiBytes, verdict, err := fetchContent(ctx, fetcher, abiCID)
			if err != nil || verdict != nil {
				return derefOr(verdict), err
			}
			if _, err := manifest.ParseABI(abiBytes); err != nil {
				return invalid(AbiParseError, err.Error()), nil
			}
		}

		if ds.Mapping.File != nil {
			wasmCID, err := cidutil.ParseLink(ds.Mapping.File.Link)
			if err != nil {
				return invalid(BadCid, ds.Mapping.File.Link), nil
			}
			wasmBytes, verdict, err := fetchContent(ctx, fetcher, wasmCID)
			if err != nil || verdict != nil {
				return derefOr(verdict), err
			}
			field, found, err := manifest.FindForbiddenImport(wasmBytes, forbiddenImportPrefixes)
			if err != nil {
				return invalid(WasmParseError, err.Error()), nil
			}
			if found {
				return invalid(ForbiddenApi, field), nil
			}
		}
	}

	return valid, nil
}

// fetchContent fetches content, translating a content-unavailable
// FetchError into an Invalid(Unavailable) verdict and any other fetch
// failure into a propagated runtime error. Exactly one of (verdict, err)
// is non-nil/non-zero when the content was not successfully fetched.
func fetchContent(ctx context.Context, fetcher *contentstore.Fetcher, c cid.Cid) ([]byte, *Verdict, error) {
	b, err := fetcher.Fetch(ctx, c)
	if err == nil {
		return b, nil, nil
	}
	var fe *contentstore.FetchError
	if errors.As(err, &fe) && fe.Kind.Unavailable() {
		v := invalid(Unavailable, c.String())
		return nil, &v, nil
	}
	return nil, nil, fmt.Errorf("fetch %s: %w", c, err)
}

func derefOr(v *Verdict) Verdict {
	if v == nil {
		return Verdict{}
	}
	return *v
}
