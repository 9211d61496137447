package goclustering

import (
	"github.com/pkg/errors"
)

var ErrAlreadyLeft = errors.New("member has already left")

// Member is a raw member entry, its meta-data is opaque to the provider.
type Member struct {
	MemberID string
	MetaData []byte
}

type Snapshot struct {
	Revision []uint64
	Members  []*Member
}
