package circuit

import (
	"fmt"
	"time"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
)

// PathCriteria narrows the candidate pool a Selector draws hops from.
//
// Grounded on original_source/crates/core/src/circuit/path_selection.rs's
// PathSelectionCriteria (min_reputation/require_relay/excluded_nodes/
// circuit_length), adapted to the reliability EWMA peer.Peer already
// tracks instead of a separate reputation ledger.
type PathCriteria struct {
	Length         int // target hop count; caller clamps to [MinHops, MaxHops]
	MinReliability float64
	MinUptime      time.Duration
	Excluded       map[identity.NodeID]struct{}
}

// DefaultCriteria returns the criteria for an ordinary general-purpose
// circuit: full length, no reliability floor beyond "has connected
// successfully before", no exclusions.
func DefaultCriteria(length int) PathCriteria {
	return PathCriteria{
		Length:         length,
		MinReliability: 0,
		MinUptime:      0,
		Excluded:       nil,
	}
}

// Selector chooses distinct relay hops from the live peer set.
//
// It draws candidates from an already-authenticated peer.Manager rather
// than a separate relay directory: any connected peer is, structurally,
// a potential relay hop the same way path_selection.rs treats every
// entry of its RelayInfo table.
type Selector struct {
	peers *peer.Manager
	self  identity.NodeID
}

// NewSelector builds a path selector over peers, excluding self from any
// candidate list (a node never selects itself as a hop).
func NewSelector(peers *peer.Manager, self identity.NodeID) *Selector {
	return &Selector{peers: peers, self: self}
}

// SelectPath returns up to criteria.Length distinct candidate peers,
// ordered by descending quality (reliability first, NodeId as a
// deterministic tie-break so two equally-reliable peers are always
// chosen in the same order across runs). If fewer eligible peers exist
// than requested, the shorter list is returned — the caller decides
// whether that is an acceptable weakened circuit or an Exhaustion error.
func (s *Selector) SelectPath(criteria PathCriteria) ([]*peer.Peer, error) {
	if criteria.Length < MinHops || criteria.Length > MaxHops {
		return nil, fmt.Errorf("circuit: path length %d out of range [%d,%d]", criteria.Length, MinHops, MaxHops)
	}

	candidates := make([]*peer.Peer, 0)
	for _, p := range s.peers.Peers() {
		if p.NodeID == s.self {
			continue
		}
		if p.Status() != peer.StatusConnected {
			continue
		}
		if criteria.Excluded != nil {
			if _, excluded := criteria.Excluded[p.NodeID]; excluded {
				continue
			}
		}
		if p.Reliability() < criteria.MinReliability {
			continue
		}
		if criteria.MinUptime > 0 && time.Since(p.LastSeen()) > criteria.MinUptime {
			continue
		}
		candidates = append(candidates, p)
	}

	sortByQuality(candidates)

	if len(candidates) > criteria.Length {
		candidates = candidates[:criteria.Length]
	}
	if len(candidates) == 0 {
		return nil, anonerr.New(anonerr.Exhaustion, "circuit.SelectPath", "no eligible relays")
	}
	return candidates, nil
}

// sortByQuality orders candidates by descending reliability, breaking
// ties with identity.Less for determinism (§4.5.1 diversity heuristic:
// the tie-break exists so repeated selection over an unchanged peer set
// doesn't always favor map iteration order).
func sortByQuality(candidates []*peer.Peer) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0; j-- {
			a, b := candidates[j-1], candidates[j]
			if !lessQuality(a, b) {
				break
			}
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}
}

func lessQuality(a, b *peer.Peer) bool {
	ar, br := a.Reliability(), b.Reliability()
	if ar != br {
		return ar < br
	}
	return identity.Less(b.NodeID, a.NodeID)
}
