package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

var errInvalidUserID = errors.New("user id must be a string or an integer")

// UserID accepts either a JSON string or a JSON integer. Older clients send the
// numeric database id; everything inside the coordinator is keyed by the
// decimal string form.
type UserID string

func (u *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*u = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return errInvalidUserID
	}
	*u = UserID(strconv.FormatInt(n, 10))
	return nil
}

func (u UserID) String() string { return string(u) }
