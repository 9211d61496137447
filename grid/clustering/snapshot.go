package clustering

import (
	"github.com/couchbase/stellar-grid/grid/consistenthash"
)

// The JSON representation of this data is intentionally terse in order to allow
// it to potentially fit easily in UDP gossip messages.

type Member struct {
	MemberID      string `json:"-"`
	ServerGroup   string `json:"sg,omitempty"`
	AdvertiseAddr string `json:"aa,omitempty"`
	WebPort       int    `json:"wp,omitempty"`

	// NoData members take part in the cluster but own no segments.
	NoData bool `json:"nd,omitempty"`
}

// Address is the identity this member is known by in a consistent hash.
func (m *Member) Address() consistenthash.Address {
	return consistenthash.Address(m.MemberID)
}

type Snapshot struct {
	Revision []uint64
	Members  []*Member
}

func (s *Snapshot) Member(id string) *Member {
	for _, m := range s.Members {
		if m.MemberID == id {
			return m
		}
	}
	return nil
}
