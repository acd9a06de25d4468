package reconciler

import (
	"strconv"
	"strings"
)

const TripsListKey = "trips:list"

func TripKey(tripID int64) string {
	return "trip:" + strconv.FormatInt(tripID, 10)
}

func MyBookingForTripKey(tripID int64) string {
	return "myBookingForTrip:" + strconv.FormatInt(tripID, 10)
}

// InvalidationKeys lists the cache entries that go stale after any
// successful create, amend or cancel on tripID.
func InvalidationKeys(tripID int64) []string {
	return []string{TripKey(tripID), TripsListKey, MyBookingForTripKey(tripID)}
}

// UserScoped reports whether key belongs to a single user's view.
func UserScoped(key string) bool {
	return strings.HasPrefix(key, "myBookingForTrip:")
}

// StoreKeys maps logical keys to cache store keys, prefixing user-scoped
// ones with the owning user.
func StoreKeys(userID string, keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		if UserScoped(k) {
			k = "user:" + userID + ":" + k
		}
		out[i] = k
	}
	return out
}
