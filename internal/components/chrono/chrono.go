package chrono

import "time"

// API is the clock every component reads "now" from, tests swap it for a FixedClock.
type API interface {
	Now() time.Time
	Location() *time.Location
}

// Montreal is where the portal's terms and due dates are defined.
const Montreal = "America/Montreal"

type StandardImpl struct {
	location *time.Location
}

func NewStandardImpl(timezone string) (StandardImpl, error) {
	if timezone == "" {
		timezone = Montreal
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// FixedClock always returns the same instant.
type FixedClock struct {
	At time.Time
}

func (f FixedClock) Now() time.Time {
	return f.At
}

func (f FixedClock) Location() *time.Location {
	return f.At.Location()
}
