// Copyright 2026 Sessionx. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"encoding/json"
	"time"
)

// Data is the data structure for storing session data. Values must be
// JSON-serializable. The store never inspects the payload except for its
// "cookie" object when computing expiry.
type Data map[string]interface{}

// Encoder is an encoder to encode session data to its persisted form.
type Encoder func(Data) ([]byte, error)

// Decoder is a decoder to decode the persisted form to session data.
type Decoder func([]byte) (Data, error)

// JSONEncoder is a session data encoder using JSON.
func JSONEncoder(data Data) ([]byte, error) {
	return json.Marshal(data)
}

// JSONDecoder is a session data decoder using JSON.
func JSONDecoder(binary []byte) (Data, error) {
	var data Data
	return data, json.Unmarshal(binary, &data)
}

// oneDay is the lifetime of sessions that do not declare a cookie.maxAge.
const oneDay = 24 * time.Hour

// expiresAt returns the epoch-millisecond timestamp at which the session
// becomes invisible to reads: now plus the payload's cookie.maxAge when
// declared, now plus one day otherwise.
func expiresAt(now time.Time, data Data) int64 {
	maxAge, ok := cookieMaxAge(data)
	if !ok {
		maxAge = oneDay
	}
	return now.Add(maxAge).UnixMilli()
}

// sessionCookie returns the payload's cookie object, or nil if there is none.
func sessionCookie(data Data) map[string]interface{} {
	cookie, _ := data["cookie"].(map[string]interface{})
	return cookie
}

// cookieMaxAge returns the payload's cookie.maxAge as a duration. The value
// is a number of milliseconds, whether the payload was built natively or
// decoded from JSON.
func cookieMaxAge(data Data) (time.Duration, bool) {
	ms, ok := asMilliseconds(sessionCookie(data)["maxAge"])
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// cookieExpires returns the payload's cookie.expires as a point in time. It
// accepts a time.Time, an RFC 3339 string, or an epoch-millisecond number.
func cookieExpires(data Data) (time.Time, bool) {
	switch v := sessionCookie(data)["expires"].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		ms, ok := asMilliseconds(v)
		if !ok {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	}
}

// asMilliseconds coerces the numeric types a JSON round trip or a native
// caller can produce.
func asMilliseconds(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
