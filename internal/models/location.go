package models

import (
	"fmt"
	"math"
	"time"

	"github.com/mmcloughlin/geohash"
)

// MetersPerSecondToKmh converts device speeds (m/s) into the stored unit.
const MetersPerSecondToKmh = 3.6

const geohashPrecision = 7

// Position is the single current fix embedded in a vehicle record.
// Speed is always kilometers per hour.
type Position struct {
	Lat       float64   `bson:"lat" json:"lat"`
	Lng       float64   `bson:"lng" json:"lng"`
	Heading   *float64  `bson:"heading,omitempty" json:"heading,omitempty"`
	Speed     *float64  `bson:"speed,omitempty" json:"speed,omitempty"`
	Geohash   string    `bson:"geohash" json:"geohash"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

// HasFix reports whether the position carries real coordinates.
// Both coordinates at zero is treated as "no fix yet".
func (p *Position) HasFix() bool {
	return p != nil && (p.Lat != 0 || p.Lng != 0)
}

// VehiclePosition is the public view of a vehicle's live location.
type VehiclePosition struct {
	VehicleID  string    `json:"vehicleId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	IsTracking bool      `json:"isTracking"`
}

// ValidateCoordinates checks that a coordinate pair is present, finite and in range.
func ValidateCoordinates(lat, lng *float64) error {
	if lat == nil || lng == nil {
		return fmt.Errorf("%w: lat and lng are required", ErrInvalidPosition)
	}
	if math.IsNaN(*lat) || math.IsNaN(*lng) || math.IsInf(*lat, 0) || math.IsInf(*lng, 0) {
		return fmt.Errorf("%w: coordinates must be numeric", ErrInvalidPosition)
	}
	if *lat < -90 || *lat > 90 {
		return fmt.Errorf("%w: lat %v out of range [-90,90]", ErrInvalidPosition, *lat)
	}
	if *lng < -180 || *lng > 180 {
		return fmt.Errorf("%w: lng %v out of range [-180,180]", ErrInvalidPosition, *lng)
	}
	if *lat == 0 && *lng == 0 {
		return fmt.Errorf("%w: no fix (0,0)", ErrInvalidPosition)
	}
	return nil
}

// NewPosition validates the fix and fills in derived fields. UpdatedAt is left
// for the store to assign.
func NewPosition(lat, lng float64, heading, speedKmh *float64) (Position, error) {
	if err := ValidateCoordinates(&lat, &lng); err != nil {
		return Position{}, err
	}
	pos := Position{
		Lat:     lat,
		Lng:     lng,
		Geohash: geohash.EncodeWithPrecision(lat, lng, geohashPrecision),
	}
	if heading != nil {
		if math.IsNaN(*heading) || math.IsInf(*heading, 0) {
			return Position{}, fmt.Errorf("%w: heading must be numeric", ErrInvalidPosition)
		}
		h := math.Mod(*heading, 360)
		if h < 0 {
			h += 360
		}
		pos.Heading = &h
	}
	if speedKmh != nil {
		if math.IsNaN(*speedKmh) || math.IsInf(*speedKmh, 0) || *speedKmh < 0 {
			return Position{}, fmt.Errorf("%w: speed must be a non-negative number", ErrInvalidPosition)
		}
		s := *speedKmh
		pos.Speed = &s
	}
	return pos, nil
}
