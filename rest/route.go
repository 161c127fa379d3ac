package rest

import (
	"strings"

	"github.com/bwmarrin/snowflake"
)

// majorParams are the path resources whose ID scopes a rate limit bucket.
// Requests that differ only in another ID share the bucket.
var majorParams = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// RouteKey returns the bucket key for a request: the method plus the path
// with major parameter IDs kept and every other ID collapsed.
//
//	GET /channels/1/messages/2  ->  GET channels/1/messages/:id
//	PUT /channels/1/messages/2/reactions/%F0%9F%91%8D/@me  ->  PUT channels/1/messages/:id/reactions/*
//	POST /webhooks/3/tok3n  ->  POST webhooks/3/tok3n
func RouteKey(method, path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")

	out := make([]string, 0, len(parts))
	for i := 0; i < len(parts); i++ {
		seg := parts[i]

		if seg == "reactions" {
			// every emoji and user below a message shares one bucket
			out = append(out, seg)
			if i+1 < len(parts) {
				out = append(out, "*")
			}
			break
		}

		if i > 0 && isID(seg) {
			prev := parts[i-1]
			if majorParams[prev] {
				out = append(out, seg)
				// webhook tokens are part of the major parameter
				if prev == "webhooks" && i+1 < len(parts) && !isID(parts[i+1]) {
					i++
					out = append(out, parts[i])
				}
				continue
			}
			out = append(out, ":id")
			continue
		}
		out = append(out, seg)
	}

	return method + " " + strings.Join(out, "/")
}

func isID(seg string) bool {
	if seg == "" || seg == "@me" {
		return false
	}
	_, err := snowflake.ParseString(seg)
	return err == nil
}
