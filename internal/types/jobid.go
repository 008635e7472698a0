package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// JobID is the opaque 32-bit job identifier allocated by the scheduler
// database. On the wire and in URLs it is rendered as exactly eight lowercase
// hex characters ("0000002a"). IDs are allocated monotonically by the store;
// nothing outside the store performs arithmetic on them.
type JobID uint32

// JobIDPattern is the path regex accepted for job ids on REST routes.
const JobIDPattern = "^[0-9a-f]{8}$"

var jobIDRe = regexp.MustCompile(JobIDPattern)

// ParseJobID parses the external hex form of a job id. Input is accepted
// case-insensitively, so ids copied out of tooling that uppercases hex still
// resolve.
func ParseJobID(s string) (JobID, error) {
	v, err := strconv.ParseUint(strings.ToLower(s), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("types: invalid job id %q: %w", s, err)
	}
	return JobID(v), nil
}

// String renders the id as 8 lowercase hex characters.
func (id JobID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// MarshalJSON renders the id in its external string form.
func (id JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts either the external hex string or a bare integer.
// Stage-queue messages and RPC payloads always use the string form; the
// integer form exists so values read straight out of database rows decode too.
func (id *JobID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseJobID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n uint32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("types: invalid job id %s", string(data))
	}
	*id = JobID(n)
	return nil
}

// ValidJobIDPath reports whether s matches the strict REST path form
// (lowercase, exactly 8 hex chars).
func ValidJobIDPath(s string) bool {
	return jobIDRe.MatchString(s)
}
