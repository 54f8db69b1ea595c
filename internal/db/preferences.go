package db

import (
	"fmt"
	"net/url"
	"strconv"
)

// ValidatePreference checks the values of the preferences the service reads.
// Unknown keys are accepted as given.
func ValidatePreference(key, value string) error {
	switch key {
	case PrefTankCapacity, PrefBaseDistance:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number", key)
		}
		if v < 0 || (key == PrefTankCapacity && v == 0) {
			return fmt.Errorf("%s out of range", key)
		}
	case PrefRelayURL:
		if value == "" {
			return nil
		}
		u, err := url.Parse(value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", key)
		}
	}
	return nil
}
