// Package bvg is the client for the BVG REST API (v6.bvg.transport.rest).
// The API has no authentication but a rate limit of 100 requests per minute,
// and sends ETag and Cache-Control headers so responses can be cached and
// revalidated.
package bvg

// The payload structs below declare the accepted provider shapes. Anything
// the provider sends outside these fields is ignored; records that are
// missing required fields are rejected later, during normalization, rather
// than patched up here.

// BoardResponse is the wire shape of /stops/{id}/arrivals and
// /stops/{id}/departures. Exactly one of the two slices is populated,
// depending on the board queried.
type BoardResponse struct {
	Arrivals              []BoardEntry `json:"arrivals"`
	Departures            []BoardEntry `json:"departures"`
	RealtimeDataUpdatedAt int64        `json:"realtimeDataUpdatedAt"`
}

// Entries returns whichever board slice the response carries.
func (r *BoardResponse) Entries() []BoardEntry {
	if len(r.Arrivals) > 0 {
		return r.Arrivals
	}
	return r.Departures
}

// BoardEntry is one raw arrival or departure record. When and Delay are
// null until the provider has realtime data for the trip; PlannedWhen is
// the timetable instant. Timestamps are RFC3339 with an explicit offset.
type BoardEntry struct {
	TripID          string       `json:"tripId"`
	Stop            *StopPayload `json:"stop"`
	When            *string      `json:"when"`
	PlannedWhen     *string      `json:"plannedWhen"`
	Delay           *int         `json:"delay"`
	Platform        *string      `json:"platform"`
	PlannedPlatform *string      `json:"plannedPlatform"`
	Direction       string       `json:"direction"`
	Line            *LinePayload `json:"line"`
	Cancelled       bool         `json:"cancelled"`
}

// StopPayload is the provider's stop object, shared by boards, /stops and
// /radar responses.
type StopPayload struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Location *LocationPayload `json:"location"`
	Products *ProductsPayload `json:"products"`
}

// LocationPayload is a WGS84 point.
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProductsPayload flags which transport modes serve a stop.
type ProductsPayload struct {
	Suburban bool `json:"suburban"`
	Subway   bool `json:"subway"`
	Tram     bool `json:"tram"`
	Bus      bool `json:"bus"`
	Ferry    bool `json:"ferry"`
	Express  bool `json:"express"`
	Regional bool `json:"regional"`
}

// LinePayload is the provider's line object.
type LinePayload struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Mode    string `json:"mode"`
	Product string `json:"product"`
}

// RadarResponse is the wire shape of /radar: vehicles currently moving
// inside a bounding box.
type RadarResponse struct {
	Movements             []Movement `json:"movements"`
	RealtimeDataUpdatedAt int64      `json:"realtimeDataUpdatedAt"`
}

// Movement is one vehicle observed by /radar.
type Movement struct {
	TripID    string           `json:"tripId"`
	Direction string           `json:"direction"`
	Line      *LinePayload     `json:"line"`
	Location  *LocationPayload `json:"location"`
}

// BoundingBox delimits a /radar query area.
type BoundingBox struct {
	North float64 `yaml:"north" validate:"required"`
	West  float64 `yaml:"west" validate:"required"`
	South float64 `yaml:"south" validate:"required"`
	East  float64 `yaml:"east" validate:"required"`
}
