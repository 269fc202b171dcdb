package rest

import (
	"strconv"
	"strings"
	"time"
)

// Snowflake epoch (2015-01-01T00:00:00Z) in unix milliseconds.
const snowflakeEpochMS = 1420070400000

// Messages older than this are deleted under a separate server bucket.
const oldMessageAge = 14 * 24 * time.Hour

// RouteSignature returns the bucket key for a request.
//
// Path parameters that do not change the server's limit policy collapse to
// ":id", so /channels/1/messages/2 and /channels/1/messages/3 share a bucket
// while /channels/1/... and /channels/9/... do not (channel, guild and webhook
// ids are "major" parameters).
func RouteSignature(method, path string) string {
	return routeSignatureAt(method, path, time.Now())
}

func routeSignatureAt(method, path string, now time.Time) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")

	out := make([]string, 0, len(parts)+1)
	for i := 0; i < len(parts); i++ {
		seg := parts[i]
		switch {
		case seg == "reactions":
			// Every reaction sub-route shares one bucket per message.
			out = append(out, "reactions", "*")
			i = len(parts)
			continue
		case i > 0 && isMajor(parts[i-1]):
			out = append(out, seg)
			continue
		case i > 1 && parts[i-2] == "webhooks":
			// webhooks/{id}/{token}: the token is part of the major parameter.
			out = append(out, seg)
			continue
		case i > 1 && parts[i-2] == "interactions":
			out = append(out, ":token")
			continue
		case isSnowflake(seg):
			if method == "DELETE" && i == len(parts)-1 && i > 0 && parts[i-1] == "messages" && olderThan(seg, oldMessageAge, now) {
				out = append(out, ":id", "old")
				continue
			}
			out = append(out, ":id")
			continue
		}
		out = append(out, seg)
	}
	return method + " /" + strings.Join(out, "/")
}

func isMajor(seg string) bool {
	switch seg {
	case "channels", "guilds", "webhooks":
		return true
	}
	return false
}

func isSnowflake(seg string) bool {
	if seg == "" || len(seg) > 20 {
		return false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}

// SnowflakeTime extracts the creation time encoded in an id.
func SnowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(n>>22) + snowflakeEpochMS), true
}

func olderThan(id string, age time.Duration, now time.Time) bool {
	ts, ok := SnowflakeTime(id)
	if !ok {
		return false
	}
	return now.Sub(ts) > age
}
