package console

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolutionError reports an operator reference that could not be mapped to a
// single hostname. Valid lists the choices that were available in the
// snapshot the reference was resolved against.
type ResolutionError struct {
	Ref   string
	Valid []string
}

func (e *ResolutionError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("cannot resolve %q: nothing to choose from", e.Ref)
	}
	return fmt.Sprintf("cannot resolve %q: valid choices are %s", e.Ref, strings.Join(e.Valid, ", "))
}

// resolveRef maps a 1-based display index or an exact hostname onto one entry
// of a snapshot. Display indexes are only stable within the snapshot they
// were printed from, so callers pass the same ordering they last displayed.
// A reference that is both a valid index and an existing hostname is
// ambiguous and rejected.
func resolveRef(ref string, hostnames []string) (string, error) {
	exact := false
	for _, h := range hostnames {
		if h == ref {
			exact = true
			break
		}
	}

	idx, numErr := strconv.Atoi(ref)
	numeric := numErr == nil && idx >= 1 && idx <= len(hostnames)

	switch {
	case numeric && exact:
		return "", &ResolutionError{Ref: ref, Valid: hostnames}
	case numeric:
		return hostnames[idx-1], nil
	case exact:
		return ref, nil
	}
	return "", &ResolutionError{Ref: ref, Valid: hostnames}
}
