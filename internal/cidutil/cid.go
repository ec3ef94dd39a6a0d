// Package cidutil converts between the 32-byte digests carried by
// deployment records and their content identifier (CIDv0) form, and
// resolves the "/ipfs/<cid>" links embedded in subgraph manifests.
//
// CIDv0 is the only form the oracle produces or round-trips through a
// 32-byte array: it is exactly the two-byte multihash prefix 0x12 0x20
// (SHA2-256, 32 bytes) followed by the digest itself, rendered textually
// in base58btc starting with "Qm". Higher CID versions may appear in
// manifest links and must parse, but are never converted back to the
// 32-byte form.
package cidutil

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// ipfsLinkPrefix is stripped from a manifest link before the remainder is
// parsed as a CID.
const ipfsLinkPrefix = "/ipfs/"

// BytesToCIDv0 builds a CIDv0 from the 32-byte raw digest a deployment
// record carries. The resulting CID round-trips back to the same 32
// bytes via CIDv0ToBytes.
func BytesToCIDv0(digest [32]byte) cid.Cid {
	raw := make([]byte, 0, 34)
	raw = append(raw, multihash.SHA2_256, 32)
	raw = append(raw, digest[:]...)

	// multihash.Cast only validates the header; it never fails for a
	// header we constructed ourselves.
	mh, err := multihash.Cast(raw)
	if err != nil {
		panic(fmt.Sprintf("cidutil: constructed an invalid multihash: %v", err))
	}
	return cid.NewCidV0(mh)
}

// CIDv0ToBytes recovers the 32-byte digest from a CIDv0. It returns an
// error if c is not a version-0 CID with a 32-byte SHA2-256 digest.
func CIDv0ToBytes(c cid.Cid) ([32]byte, error) {
	var out [32]byte
	if c.Version() != 0 {
		return out, fmt.Errorf("cidutil: not a CIDv0: %s", c)
	}
	raw := c.Hash()
	if len(raw) != 34 || raw[0] != multihash.SHA2_256 || raw[1] != 32 {
		return out, fmt.Errorf("cidutil: unexpected CIDv0 multihash layout: %x", []byte(raw))
	}
	copy(out[:], raw[2:])
	return out, nil
}

// ParseLink strips a leading "/ipfs/" from a manifest link and parses the
// remainder as a CID of any version. It is the sole entry point for
// converting manifest-embedded links to CIDs.
func ParseLink(link string) (cid.Cid, error) {
	trimmed := strings.TrimPrefix(link, ipfsLinkPrefix)
	c, err := cid.Decode(trimmed)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("cidutil: bad cid %q: %w", link, err)
	}
	return c, nil
}

// Base58 renders a CID in its textual base58btc form, used for log lines
// and the deployment record's IPFSHash helper. CIDv0 is always rendered
// this way natively; this helper exists so callers don't need to reach
// for the cid package's multibase machinery directly.
func Base58(c cid.Cid) string {
	if c.Version() == 0 {
		return c.String()
	}
	return base58.Encode(c.Bytes())
}
