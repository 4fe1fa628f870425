package cookie

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// namePrefix marks cookies owned by the server core. Anything else on the
// wire belongs to the application and is passed through untouched.
const namePrefix = "hearth"

// DeriveName maps a (kind tag, qualified state name, secure flag) triple to
// the physical cookie name that carries its token. The qualified name is
// hashed so that arbitrary state names (which may contain separators or be
// very long) still produce a fixed-shape, header-safe cookie name, while
// distinct triples never collide on one cookie: the hash input includes
// every component of the triple.
func DeriveName(kindTag, qualifiedName string, secure bool) string {
	sec := byte('i')
	if secure {
		sec = 's'
	}
	h := xxhash.New()
	_, _ = h.WriteString(kindTag)
	_, _ = h.Write([]byte{0, sec, 0})
	_, _ = h.WriteString(qualifiedName)
	return fmt.Sprintf("%s|%s|%c|%016x", namePrefix, kindTag, sec, h.Sum64())
}

// IsServerCookie reports whether a cookie name was produced by DeriveName.
func IsServerCookie(name string) bool {
	return len(name) > len(namePrefix) && name[:len(namePrefix)] == namePrefix && name[len(namePrefix)] == '|'
}
