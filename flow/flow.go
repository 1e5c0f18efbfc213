// Package flow holds the origin-destination data model shared by the
// clustering pipeline and its collaborators.
package flow

import (
	"strconv"
	"time"
)

// ClusterIDPrefix starts every cluster entity id. It keeps cluster ids apart
// from location ids in logs and payloads; use Entity.Kind to tell entities
// apart.
const ClusterIDPrefix = "cluster::"

type Location struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
}

// Flow is a weighted movement between two location ids. A negative Count
// describes a change rather than a volume.
type Flow struct {
	Origin string     `json:"origin"`
	Dest   string     `json:"dest"`
	Count  float64    `json:"count"`
	Time   *time.Time `json:"time,omitempty"`
}

type EntityKind uint8

const (
	KindLocation EntityKind = iota
	KindCluster
)

func (k EntityKind) String() string {
	switch k {
	case KindLocation:
		return "location"
	case KindCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

// Entity is what is visible at one zoom: a location, or a cluster standing
// in for several locations.
type Entity struct {
	Kind        EntityKind `json:"kind"`
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Lon         float64    `json:"lon"`
	Lat         float64    `json:"lat"`
	MemberCount int        `json:"memberCount"`
	ClusterID   uint32     `json:"clusterId,omitempty"`
}

func (e Entity) IsCluster() bool {
	return e.Kind == KindCluster
}

// LocationEntity wraps a location as a single-member entity.
func LocationEntity(l Location) Entity {
	return Entity{
		Kind:        KindLocation,
		ID:          l.ID,
		Name:        l.Name,
		Lon:         l.Lon,
		Lat:         l.Lat,
		MemberCount: 1,
	}
}

// ClusterEntity builds the entity for an index cluster.
func ClusterEntity(clusterID uint32, name string, lon, lat float64, members int) Entity {
	return Entity{
		Kind:        KindCluster,
		ID:          ClusterEntityID(clusterID),
		Name:        name,
		Lon:         lon,
		Lat:         lat,
		MemberCount: members,
		ClusterID:   clusterID,
	}
}

func ClusterEntityID(clusterID uint32) string {
	return ClusterIDPrefix + strconv.FormatUint(uint64(clusterID), 10)
}

// Totals are the flow sums touching one entity. Within holds flows whose
// both ends resolve to the entity.
type Totals struct {
	Incoming float64 `json:"incoming"`
	Outgoing float64 `json:"outgoing"`
	Within   float64 `json:"within"`
}
