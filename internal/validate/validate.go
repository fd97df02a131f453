// Package validate builds the struct validator shared by request bodies and
// seed files.
package validate

import (
	"github.com/go-playground/validator/v10"

	"bus-tracker/internal/bus"
	"bus-tracker/internal/schedule"
)

// New returns a validator that also knows "clock" (HH:MM[:SS]) and
// "stopnames" (no two stops of a list share a name, ignoring case).
func New() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, err := schedule.ParseClock(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("stopnames", func(fl validator.FieldLevel) bool {
		stops, ok := fl.Field().Interface().([]bus.Stop)
		return ok && UniqueStopNames(stops)
	})
	return v
}

// UniqueStopNames reports whether every stop name is distinct under
// bus.SameStop.
func UniqueStopNames(stops []bus.Stop) bool {
	for i := range stops {
		for j := i + 1; j < len(stops); j++ {
			if bus.SameStop(stops[i].Name, stops[j].Name) {
				return false
			}
		}
	}
	return true
}
