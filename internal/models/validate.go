package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	ErrMissingPickup  = errors.New("pickup location is required")
	ErrMissingDropoff = errors.New("dropoff location is required")
	ErrSameEndpoints  = errors.New("pickup and dropoff must differ")
)

// ValidateCoord checks latitude/longitude ranges.
func ValidateCoord(c Coord) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid coordinate %.6f,%.6f: %w", c.Lat, c.Lon, err)
	}
	return nil
}

// RideDraft is the payload for creating a new ride.
type RideDraft struct {
	Pickup  *Coord `json:"-"`
	Dropoff *Coord `json:"-"`
}

func (d RideDraft) Validate() error {
	if d.Pickup == nil {
		return ErrMissingPickup
	}
	if d.Dropoff == nil {
		return ErrMissingDropoff
	}
	if err := ValidateCoord(*d.Pickup); err != nil {
		return err
	}
	if err := ValidateCoord(*d.Dropoff); err != nil {
		return err
	}
	if *d.Pickup == *d.Dropoff {
		return ErrSameEndpoints
	}
	return nil
}
