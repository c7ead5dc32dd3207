// Package snapshot defines the versioned, JSON-encoded restart artifact
// named in spec.md §6: a periodic dump of
// {ledger_heights_and_hashes, balances, contract_storage, emission_totals}
// sufficient to restart the settlement core. The format is opaque to the
// core itself -- nothing in pkg/ledger, pkg/consensus, or pkg/authority
// reads a Snapshot back into live state; it exists purely as an artifact
// for an external consumer (a GUI or CLI) to persist and later inspect.
// cmd/settlementd does not produce one.
package snapshot

import "encoding/json"

// CurrentVersion is the monotonic format version written by Marshal.
const CurrentVersion = 1

// Snapshot is the top-level restart artifact.
type Snapshot struct {
	Version int `json:"version"`

	// LedgerHeightsAndHashes lists every committed block's height and hash,
	// in height order, so a consumer can verify chain continuity without
	// replaying the full ledger.
	LedgerHeightsAndHashes []HeightHash `json:"ledger_heights_and_hashes"`

	// Balances maps owner id to its non-digital, online and offline
	// balances at the time of the snapshot.
	Balances map[string]OwnerBalance `json:"balances"`

	// ContractStorage maps contract id to its full key/value storage.
	ContractStorage map[string]map[string]int64 `json:"contract_storage"`

	// EmissionTotals maps intermediary id to its current digital and
	// non-digital reserve totals.
	EmissionTotals map[string]EmissionTotal `json:"emission_totals"`
}

// HeightHash names one committed block.
type HeightHash struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// OwnerBalance is one owner's balances at snapshot time.
type OwnerBalance struct {
	NonDigitalBalance int64 `json:"non_digital_balance"`
	OnlineBalance     int64 `json:"online_balance"`
	OfflineBalance    int64 `json:"offline_balance"`
}

// EmissionTotal is one intermediary's reserve totals at snapshot time.
type EmissionTotal struct {
	DigitalReserve    int64 `json:"digital_reserve"`
	NonDigitalReserve int64 `json:"non_digital_reserve"`
}

// Marshal encodes s to versioned JSON. It overwrites s.Version with
// CurrentVersion so callers never have to set it themselves.
func Marshal(s Snapshot) ([]byte, error) {
	s.Version = CurrentVersion
	return json.Marshal(s)
}

// Unmarshal decodes a versioned JSON snapshot. It returns ErrUnsupportedVersion
// if the encoded version is newer than CurrentVersion -- an older consumer
// must not silently misinterpret a format it doesn't understand.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, err
	}
	if s.Version > CurrentVersion {
		return Snapshot{}, ErrUnsupportedVersion
	}
	return s, nil
}
