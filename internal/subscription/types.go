// Package subscription defines the subscription record shared by the store,
// the poller and the change detectors.
package subscription

import (
	"fmt"
	"strings"
	"time"
)

// Category is the fixed pool a subscription belongs to.
type Category string

const (
	Live    Category = "live"
	Creator Category = "creator"
	Season  Category = "season"
)

// Categories lists every category in round-robin order.
var Categories = [...]Category{Live, Creator, Season}

func (c Category) Valid() bool {
	switch c {
	case Live, Creator, Season:
		return true
	}
	return false
}

func (c Category) Index() int {
	for i, v := range Categories {
		if v == c {
			return i
		}
	}
	return -1
}

// ParseCategory accepts the canonical names plus the legacy "up" alias.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "live":
		return Live, nil
	case "creator", "up":
		return Creator, nil
	case "season", "bangumi":
		return Season, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// LiveStatus mirrors the platform's room status codes.
type LiveStatus int

const (
	Offline LiveStatus = 0
	OnAir   LiveStatus = 1
	Replay  LiveStatus = 2
)

func (s LiveStatus) String() string {
	switch s {
	case Offline:
		return "offline"
	case OnAir:
		return "live"
	case Replay:
		return "replay"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Key identifies a record.
type Key struct {
	Category Category
	ID       int64
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Category, k.ID) }

// Record is one persisted subscription.
type Record struct {
	Category    Category
	ID          int64
	Owners      []string
	DisplayName string

	// live
	UID        int64
	ShortID    int64
	LiveStatus LiveStatus

	// creator (unix seconds)
	LastPostTime  int64
	LastVideoTime int64

	// season
	SeasonID        int64
	EpisodeIndex    string
	SeasonUpdatedAt time.Time

	LastCheckedAt time.Time
}

func (r Record) Key() Key { return Key{Category: r.Category, ID: r.ID} }

// Label is a human readable name for logs and listings.
func (r Record) Label() string {
	if strings.TrimSpace(r.DisplayName) != "" {
		return r.DisplayName
	}
	return r.Key().String()
}

// Snapshot groups records by category, as returned by Store.ListAll.
type Snapshot map[Category][]Record

func (s Snapshot) Total() int {
	n := 0
	for _, rs := range s {
		n += len(rs)
	}
	return n
}
