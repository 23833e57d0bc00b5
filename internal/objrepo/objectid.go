package objrepo

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned for bag ids and object ids that do not
// have the expected shape.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var uuidPattern = regexp.MustCompile(
	`^([0-9a-f]{2})([0-9a-f]{2})([0-9a-f]{2})([0-9a-f]{2}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`,
)

// DeriveObjectID maps a bag id of the form
// prefix:XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX to the object id
// prefix:XX/XX/XX/XX-XXXX-XXXX-XXXX-XXXXXXXXXXXX. The first three byte
// pairs become directory levels so no directory in the repository holds
// more than 256 entries. Hex digits are lower-cased.
func DeriveObjectID(bagID string) (string, error) {
	i := strings.LastIndex(bagID, ":")
	if i <= 0 {
		return "", fmt.Errorf("%w: bag id %q has no prefix", ErrInvalidIdentifier, bagID)
	}
	prefix, id := bagID[:i], strings.ToLower(bagID[i+1:])

	m := uuidPattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("%w: bag id %q is not prefix:uuid", ErrInvalidIdentifier, bagID)
	}
	return prefix + ":" + strings.Join(m[1:], "/"), nil
}
