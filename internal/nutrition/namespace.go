package nutrition

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	namespaceSep = ":"
	globalOwner  = "_global"
	maxUserIDLen = 128
)

// chunkIDSpace scopes the UUIDv5 ids generated for chunks.
var chunkIDSpace = uuid.MustParse("6f1c2b7e-5d0a-4c47-9a55-2b8f3e1d9c60")

// ValidateUserID checks that userID can safely form a namespace.
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: empty", ErrInvalidUser)
	case len(userID) > maxUserIDLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUser, maxUserIDLen)
	case !utf8.ValidString(userID):
		return fmt.Errorf("%w: invalid UTF-8", ErrInvalidUser)
	case strings.Contains(userID, namespaceSep):
		return fmt.Errorf("%w: contains %q", ErrInvalidUser, namespaceSep)
	case strings.HasPrefix(userID, "_"):
		return fmt.Errorf("%w: leading underscore is reserved", ErrInvalidUser)
	}
	for _, r := range userID {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidUser)
		}
	}
	return nil
}

// Namespace returns the index partition for a user's records of one type.
func Namespace(userID string, dataType DataType) string {
	return userID + namespaceSep + string(dataType)
}

// GlobalNamespace returns the shared partition for a data type.
func GlobalNamespace(dataType DataType) string {
	return globalOwner + namespaceSep + string(dataType)
}

// Namespaces returns the namespaces for a user across the given types.
func Namespaces(userID string, types []DataType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = Namespace(userID, t)
	}
	return out
}

// ParseNamespace splits a namespace into owner and data type.
func ParseNamespace(ns string) (owner string, dataType DataType, err error) {
	idx := strings.LastIndex(ns, namespaceSep)
	if idx <= 0 || idx == len(ns)-1 {
		return "", "", fmt.Errorf("malformed namespace %q", ns)
	}
	dataType, err = ParseDataType(ns[idx+1:])
	if err != nil {
		return "", "", err
	}
	return ns[:idx], dataType, nil
}

// ChunkID derives the stable vector id for a source entity.
// The same inputs always produce the same id. Each part is length-prefixed
// so a separator inside an id cannot collide with a different split.
func ChunkID(userID string, dataType DataType, entityID string) string {
	name := fmt.Sprintf("%d:%s|%d:%s|%d:%s",
		len(userID), userID, len(dataType), dataType, len(entityID), entityID)
	return uuid.NewSHA1(chunkIDSpace, []byte(name)).String()
}
