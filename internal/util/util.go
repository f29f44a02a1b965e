package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

func newID(prefix string) string {
	// ULIDs sort by creation time, which keeps record listings in insertion order
	return prefix + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NewCampaignID() string { return newID("cmp_") }

func NewDispatchID() string { return newID("dsp_") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
