// ABOUTME: Correlation token encodings for verification links and retry buttons
// ABOUTME: verify_<uid>_<gid> and <uid>|<gid>|<query> with a bounded split

package gating

import (
	"fmt"
	"strconv"
	"strings"
)

const verifyPrefix = "verify_"

// EncodeVerifyToken builds the deep-link payload "verify_<uid>_<gid>".
func EncodeVerifyToken(userID, groupID int64) string {
	return verifyPrefix + strconv.FormatInt(userID, 10) + "_" + strconv.FormatInt(groupID, 10)
}

// IsVerifyToken reports whether s looks like a verification payload.
func IsVerifyToken(s string) bool {
	return strings.HasPrefix(s, verifyPrefix)
}

// DecodeVerifyToken parses "verify_<uid>_<gid>". A missing group decodes as 0.
func DecodeVerifyToken(token string) (userID, groupID int64, err error) {
	rest, ok := strings.CutPrefix(token, verifyPrefix)
	if !ok || rest == "" {
		return 0, 0, fmt.Errorf("%w: missing verify prefix", ErrTokenMalformed)
	}

	parts := strings.SplitN(rest, "_", 2)
	userID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || userID <= 0 {
		return 0, 0, fmt.Errorf("%w: bad user id %q", ErrTokenMalformed, parts[0])
	}
	if len(parts) == 2 {
		groupID, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: bad group id %q", ErrTokenMalformed, parts[1])
		}
	}
	return userID, groupID, nil
}

// RetryPayload is the state carried by a membership retry affordance.
type RetryPayload struct {
	UserID  int64
	GroupID int64
	Query   string
}

// String encodes the payload as "<uid>|<gid>|<query>".
func (p RetryPayload) String() string {
	return BuildRetryPayload(p.UserID, p.GroupID, p.Query)
}

// BuildRetryPayload encodes "<uid>|<gid>|<query>". The query is last so it
// may itself contain the separator.
func BuildRetryPayload(userID, groupID int64, query string) string {
	return strconv.FormatInt(userID, 10) + "|" + strconv.FormatInt(groupID, 10) + "|" + query
}

// ParseRetryPayload decodes a retry payload. Everything after the second
// separator is the query, separators included.
func ParseRetryPayload(s string) (RetryPayload, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) < 3 {
		return RetryPayload{}, fmt.Errorf("%w: want 3 fields, got %d", ErrTokenMalformed, len(parts))
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || userID <= 0 {
		return RetryPayload{}, fmt.Errorf("%w: bad user id %q", ErrTokenMalformed, parts[0])
	}
	groupID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return RetryPayload{}, fmt.Errorf("%w: bad group id %q", ErrTokenMalformed, parts[1])
	}

	return RetryPayload{UserID: userID, GroupID: groupID, Query: parts[2]}, nil
}
